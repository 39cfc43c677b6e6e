package chunk

// maxExtractedCalls bounds how many distinct callees a chunk header carries,
// matching the cap already applied to Imports.
const maxExtractedCalls = 5

// CallExtractor walks a symbol's AST subtree to find outgoing call edges.
// It resolves the callee identifier for direct calls (foo()) and the
// rightmost segment for selector/member/attribute calls (a.b.Callee()).
type CallExtractor struct {
	registry *LanguageRegistry
}

// NewCallExtractor creates a call extractor backed by the default registry.
func NewCallExtractor() *CallExtractor {
	return &CallExtractor{registry: DefaultRegistry()}
}

// NewCallExtractorWithRegistry creates a call extractor using a custom registry.
func NewCallExtractorWithRegistry(registry *LanguageRegistry) *CallExtractor {
	return &CallExtractor{registry: registry}
}

// ExtractCalls returns up to maxExtractedCalls distinct callee names reachable
// from node's subtree, in source order.
func (e *CallExtractor) ExtractCalls(node *Node, source []byte, language string) []string {
	if node == nil {
		return nil
	}
	config, ok := e.registry.GetByName(language)
	if !ok || len(config.CallTypes) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var calls []string

	for _, callType := range config.CallTypes {
		for _, callNode := range node.FindAllByType(callType) {
			fn := calleeExprNode(callNode)
			if fn == nil {
				continue
			}
			name := calleeName(fn, source)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			calls = append(calls, name)
			if len(calls) >= maxExtractedCalls {
				return calls
			}
		}
	}

	return calls
}

// calleeExprNode returns the callee expression of a call/call_expression node.
// Across Go, JS/TS, and Python grammars, the callee is the first child of the
// call node; the arguments list follows it.
func calleeExprNode(call *Node) *Node {
	if len(call.Children) == 0 {
		return nil
	}
	return call.Children[0]
}

// calleeName resolves the terminal identifier of a callee expression,
// descending into selector/member/attribute accesses to take the rightmost
// segment (e.g. pkg.Client.Do -> Do).
func calleeName(expr *Node, source []byte) string {
	switch expr.Type {
	case "identifier", "type_identifier":
		return expr.GetContent(source)
	case "selector_expression": // Go: pkg.Func or recv.Method
		if fi := expr.FindChildByType("field_identifier"); fi != nil {
			return fi.GetContent(source)
		}
	case "member_expression": // JS/TS: obj.method
		if pi := expr.FindChildByType("property_identifier"); pi != nil {
			return pi.GetContent(source)
		}
	case "attribute": // Python: obj.method
		// attribute: object . identifier - the identifier is the last child.
		for i := len(expr.Children) - 1; i >= 0; i-- {
			if expr.Children[i].Type == "identifier" {
				return expr.Children[i].GetContent(source)
			}
		}
	}

	// Generic fallback: rightmost identifier-like child, covers grammar
	// variations not enumerated above.
	for i := len(expr.Children) - 1; i >= 0; i-- {
		c := expr.Children[i]
		switch c.Type {
		case "identifier", "field_identifier", "property_identifier", "type_identifier":
			return c.GetContent(source)
		}
	}

	return ""
}
