package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/pipekit/pkg/schema"
)

// RenderMermaid renders a Model as a Mermaid flowchart. dir is "TB" or "LR";
// anything else falls back to TB.
func RenderMermaid(model *Model, dir string) string {
	if dir != "LR" {
		dir = "TB"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "flowchart %s\n", dir)
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}
	for _, edge := range model.Edges {
		fmt.Fprintf(&b, "    %s --> %s\n", mermaidSafeID(edge.From), mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef idle fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef success fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef error fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef unconfigured stroke-dasharray:5 5\n")
	b.WriteString("    classDef blocked fill:#b7791a,stroke:#8a5c14,color:#fff\n")

	blocked := make(map[string]bool, len(model.Blocked))
	for _, id := range model.Blocked {
		blocked[id] = true
	}
	for _, node := range model.Nodes {
		id := mermaidSafeID(node.ID)
		cls := mermaidStatusClass(node.Status)
		if blocked[node.ID] && node.Status == schema.NodeStatusIdle {
			cls = "blocked"
		}
		fmt.Fprintf(&b, "    class %s %s\n", id, cls)
		if !node.Configured {
			fmt.Fprintf(&b, "    class %s unconfigured\n", id)
		}
	}

	return b.String()
}

// mermaidNodeDef picks a shape per category: stadium for sources, rectangle
// for transformations, cylinder for destinations.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(firstLine(node.Label)) + "<br/><i>" + string(node.Subtype) + "</i>"

	switch node.Category {
	case schema.CategorySource:
		return fmt.Sprintf("%s([\"%s\"])", id, label)
	case schema.CategoryDestination:
		return fmt.Sprintf("%s[(\"%s\")]", id, label)
	default:
		return fmt.Sprintf("%s[\"%s\"]", id, label)
	}
}

// mermaidSafeID maps a node id to a Mermaid identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", ">", "_")
	return "n_" + r.Replace(id)
}

func mermaidEscapeLabel(s string) string {
	return strings.NewReplacer(`"`, "#quot;", "<", "#lt;", ">", "#gt;").Replace(s)
}

func mermaidStatusClass(status schema.NodeStatus) string {
	switch status {
	case schema.NodeStatusRunning, schema.NodeStatusSuccess, schema.NodeStatusError:
		return string(status)
	default:
		return "idle"
	}
}
