// Package configdrive implements the config-drive assembly helper (C9):
// it fills in the meta_data defaults the driver layer is required to
// supply, encodes user_data per its type, and delegates the actual
// gzip+base64 packaging to an ImageAssembler collaborator.
//
// Grounded on the teacher's encoding/json marshal-then-persist style in
// fsm.go's snapshot encoding; gzip/base64 packaging is specified directly
// by the config-drive wire format itself, not a library choice.
package configdrive

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/conductor/pkg/types"
)

// ImageAssembler packages the three config-drive payloads (meta_data,
// network_data, user_data) into the final gzip+base64 blob a node's
// firmware or cloud-init-compatible agent expects. The real assembler
// (disk-image or ISO construction) is out of scope; this interface is the
// seam Build hands its prepared inputs to.
type ImageAssembler interface {
	Assemble(metaData, networkData map[string]any, userData []byte, vendorData map[string]any) (string, error)
}

// Build prepares a config-drive payload for node and delegates packaging
// to assembler. data carries the caller-supplied optional keys; any of
// meta_data/network_data/vendor_data may be nil.
func Build(node *types.Node, data map[string]any, assembler ImageAssembler) (string, error) {
	metaData, _ := data["meta_data"].(map[string]any)
	if metaData == nil {
		metaData = map[string]any{}
	} else {
		// Don't mutate the caller's map.
		copied := make(map[string]any, len(metaData))
		for k, v := range metaData {
			copied[k] = v
		}
		metaData = copied
	}
	if _, ok := metaData["uuid"]; !ok {
		metaData["uuid"] = node.UUID
	}
	if node.Name != "" {
		if _, ok := metaData["name"]; !ok {
			metaData["name"] = node.Name
		}
	}

	networkData, _ := data["network_data"].(map[string]any)
	vendorData, _ := data["vendor_data"].(map[string]any)

	userData, err := encodeUserData(data["user_data"])
	if err != nil {
		return "", err
	}

	return assembler.Assemble(metaData, networkData, userData, vendorData)
}

// encodeUserData implements §4.9's type-dependent encoding rule: structured
// values (maps/slices) become JSON bytes, strings are UTF-8 encoded
// directly, and anything else (including nil) is left unset.
func encodeUserData(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch val := v.(type) {
	case string:
		return []byte(val), nil
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("encoding user_data: %w", err)
		}
		return b, nil
	default:
		return nil, nil
	}
}
