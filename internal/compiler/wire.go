package compiler

import (
	"bytes"
	"encoding/json"

	"github.com/floe-dev/floe/internal/ferrors"
	"github.com/floe-dev/floe/internal/schema"
)

// Serialize produces the canonical wire bytes for a CompiledArtifacts
// document: struct fields in declaration order, map keys sorted,
// two-space indent, trailing newline, no HTML escaping. Serialize→Parse must be bit-identical (spec §4.4 contract).
func Serialize(artifact *schema.CompiledArtifacts) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(artifact); err != nil {
		return nil, ferrors.Wrap(err, ferrors.KindCompilation, "failed to serialize artifact")
	}
	return buf.Bytes(), nil
}

// Deserialize parses canonical CompiledArtifacts bytes, rejecting
// unknown MAJOR schema versions (spec §6.2).
func Deserialize(raw []byte) (*schema.CompiledArtifacts, error) {
	var artifact schema.CompiledArtifacts
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return nil, ferrors.Wrap(err, ferrors.KindCompilation, "failed to parse artifact")
	}
	if major(artifact.Version) != major(schema.CompiledArtifactsVersion) {
		return nil, ferrors.Newf(ferrors.KindCompilation, "unsupported CompiledArtifacts major version %q", artifact.Version)
	}
	return &artifact, nil
}

func major(version string) string {
	for i, c := range version {
		if c == '.' {
			return version[:i]
		}
	}
	return version
}
