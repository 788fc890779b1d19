package ddbstreams

import "github.com/aws/aws-sdk-go/service/dynamodb"

// attributeMap renders DynamoDB attribute values in their typed JSON form,
// e.g. {"pk": {"S": "a"}}, which is what stream consumers expect.
func attributeMap(m map[string]*dynamodb.AttributeValue) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = attributeValue(v)
	}
	return out
}

func attributeValue(v *dynamodb.AttributeValue) map[string]any {
	if v == nil {
		return map[string]any{"NULL": true}
	}
	switch {
	case v.S != nil:
		return map[string]any{"S": *v.S}
	case v.N != nil:
		return map[string]any{"N": *v.N}
	case v.B != nil:
		return map[string]any{"B": v.B}
	case v.BOOL != nil:
		return map[string]any{"BOOL": *v.BOOL}
	case v.NULL != nil:
		return map[string]any{"NULL": *v.NULL}
	case v.M != nil:
		return map[string]any{"M": attributeMap(v.M)}
	case v.L != nil:
		list := make([]any, 0, len(v.L))
		for _, item := range v.L {
			list = append(list, attributeValue(item))
		}
		return map[string]any{"L": list}
	case v.SS != nil:
		return map[string]any{"SS": derefStrings(v.SS)}
	case v.NS != nil:
		return map[string]any{"NS": derefStrings(v.NS)}
	case v.BS != nil:
		return map[string]any{"BS": v.BS}
	}
	return map[string]any{}
}

func derefStrings(in []*string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out
}
