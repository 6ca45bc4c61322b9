package mqtt

import (
	"fmt"
	"strings"
)

// Topics builds the bridge's topic names under a prefix.
type Topics struct {
	Prefix string
}

// Input is where messages for a node are published.
func (t Topics) Input(nodeID string) string {
	return fmt.Sprintf("%s/nodes/%s/in", t.Prefix, nodeID)
}

// InputFilter matches the input topic of every node.
func (t Topics) InputFilter() string {
	return t.Prefix + "/nodes/+/in"
}

// Output carries a node's output messages.
func (t Topics) Output(nodeID string) string {
	return fmt.Sprintf("%s/nodes/%s/out", t.Prefix, nodeID)
}

// Status carries a node's retained status.
func (t Topics) Status(nodeID string) string {
	return fmt.Sprintf("%s/nodes/%s/status", t.Prefix, nodeID)
}

// Online carries the retained bridge liveness flag.
func (t Topics) Online() string {
	return t.Prefix + "/online"
}

// InputNode extracts the node id from an input topic.
func (t Topics) InputNode(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.Prefix+"/nodes/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/in")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
