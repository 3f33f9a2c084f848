package revstore

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

var metaMarker = []byte("\x01\n")

// CopyFrom is the rename source recorded in a file revision's header.
type CopyFrom struct {
	Path string
	Node Node
}

// StripFileMetadata splits a stored file revision into its content and the
// optional copy source carried in a "\x01\n...\x01\n" header.
func StripFileMetadata(data []byte) ([]byte, *CopyFrom, error) {
	if !bytes.HasPrefix(data, metaMarker) {
		return data, nil, nil
	}
	end := bytes.Index(data[len(metaMarker):], metaMarker)
	if end < 0 {
		return nil, nil, fmt.Errorf("unterminated file metadata header")
	}
	header := string(data[len(metaMarker) : len(metaMarker)+end])
	content := data[2*len(metaMarker)+end:]

	fields := make(map[string]string)
	for _, line := range strings.Split(header, "\n") {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, nil, fmt.Errorf("malformed file metadata line %q", line)
		}
		fields[k] = v
	}

	path, hasCopy := fields["copy"]
	if !hasCopy {
		return content, nil, nil
	}
	node, err := ParseNode(fields["copyrev"])
	if err != nil {
		return nil, nil, fmt.Errorf("parsing copy revision: %w", err)
	}
	return content, &CopyFrom{Path: path, Node: node}, nil
}

// PackFileMetadata is the inverse of StripFileMetadata. Content that itself
// starts with the marker gets an empty header so it round-trips.
func PackFileMetadata(content []byte, copyFrom *CopyFrom) []byte {
	fields := map[string]string{}
	if copyFrom != nil {
		fields["copy"] = copyFrom.Path
		fields["copyrev"] = copyFrom.Node.String()
	}
	if len(fields) == 0 && !bytes.HasPrefix(content, metaMarker) {
		return content
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.Write(metaMarker)
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s: %s\n", k, fields[k])
	}
	buf.Write(metaMarker)
	buf.Write(content)
	return buf.Bytes()
}
