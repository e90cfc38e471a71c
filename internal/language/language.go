package language

import (
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// GetOperation retrieves the operation from the document, falling back to
// the single operation when no name is given.
func GetOperation(document *QueryDocument, operationName string) *OperationDefinition {
	if operationName == "" && len(document.Operations) == 1 {
		return document.Operations[0]
	}
	return document.Operations.ForName(operationName)
}

// HasVariable reports whether any operation in the document declares a
// variable with the given name.
func HasVariable(document *QueryDocument, name string) bool {
	for _, op := range document.Operations {
		for _, vd := range op.VariableDefinitions {
			if vd.Variable == name {
				return true
			}
		}
	}
	return false
}

// OperationType returns the operation type of the named (or only)
// operation, or "" when it cannot be determined.
func OperationType(document *QueryDocument, operationName string) string {
	op := GetOperation(document, operationName)
	if op == nil {
		return ""
	}
	return string(op.Operation)
}
