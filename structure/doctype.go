package structure

import "strings"

// ClassifySectionType maps a section title to one of the canonical
// section types used for hierarchy-aware retrieval boosting. Titles
// that match nothing are "generic".
func ClassifySectionType(title string) string {
	t := strings.ToLower(strings.TrimSpace(title))
	switch {
	case t == "":
		return "generic"
	case contains(t, "abstract", "resumen"):
		return "abstract"
	case contains(t, "introduction", "introducción", "introduccion", "overview", "background"):
		return "introduction"
	case contains(t, "method", "methodology", "approach", "metodología", "metodologia", "materials"):
		return "methodology"
	case contains(t, "result", "finding", "evaluation", "experiment", "resultado"):
		return "results"
	case contains(t, "discussion", "analysis", "discusión", "discusion"):
		return "discussion"
	case contains(t, "conclusion", "summary", "conclusión", "future work"):
		return "conclusion"
	case contains(t, "reference", "bibliograph", "acknowledg", "referencia"):
		return "references"
	case contains(t, "requirement", "shall", "must", "requisito", "especificación", "especificacion"):
		return "requirements"
	case contains(t, "table", "tabla"):
		return "table"
	case contains(t, "appendix", "annex", "anexo", "schedule", "exhibit"):
		return "annex"
	default:
		return "generic"
	}
}

// DetectDocumentType classifies a whole document from its normalized
// structure. The heuristics look at which section types are present.
func DetectDocumentType(t *Tree) string {
	counts := map[string]int{}
	for i := range t.Nodes {
		counts[t.Nodes[i].Type]++
	}

	// Research papers carry the classic abstract/method/results spine.
	paperScore := 0
	for _, typ := range []string{"abstract", "introduction", "methodology", "results", "conclusion", "references"} {
		if counts[typ] > 0 {
			paperScore++
		}
	}
	if paperScore >= 3 && (counts["abstract"] > 0 || counts["references"] > 0) {
		return "research_paper"
	}

	if counts["requirements"] > 0 || counts["annex"] >= 2 {
		return "technical_manual"
	}
	if counts["conclusion"] > 0 || counts["discussion"] > 0 || counts["table"] >= 2 {
		return "report"
	}
	return "generic"
}

func contains(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
