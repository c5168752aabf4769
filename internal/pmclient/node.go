package pmclient

import "fmt"

// NodeID identifies a power-domain node known to the power-management controller.
type NodeID uint32

const (
	NodeUnknown NodeID = iota
	NodeAPU
	NodeAPU0
	NodeAPU1
	NodeAPU2
	NodeAPU3
	NodeRPU
	NodeRPU0
	NodeRPU1
	NodePLD
	NodeFPD
	NodeOCMBank0
	NodeOCMBank1
	NodeOCMBank2
	NodeOCMBank3
)

var nodeNames = map[NodeID]string{
	NodeUnknown:  "unknown",
	NodeAPU:      "apu",
	NodeAPU0:     "apu0",
	NodeAPU1:     "apu1",
	NodeAPU2:     "apu2",
	NodeAPU3:     "apu3",
	NodeRPU:      "rpu",
	NodeRPU0:     "rpu0",
	NodeRPU1:     "rpu1",
	NodePLD:      "pld",
	NodeFPD:      "fpd",
	NodeOCMBank0: "ocm0",
	NodeOCMBank1: "ocm1",
	NodeOCMBank2: "ocm2",
	NodeOCMBank3: "ocm3",
}

func (n NodeID) String() string {
	if name, ok := nodeNames[n]; ok {
		return name
	}
	return fmt.Sprintf("node(%d)", uint32(n))
}

// ParseNodeID resolves a node name as printed by NodeID.String.
func ParseNodeID(name string) (NodeID, error) {
	for id, n := range nodeNames {
		if n == name && id != NodeUnknown {
			return id, nil
		}
	}
	return NodeUnknown, fmt.Errorf("pmclient: node %q: %w", name, ErrNotFound)
}
