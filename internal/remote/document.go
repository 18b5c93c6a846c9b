package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/stocksync/stocksync/internal/record"
)

// SchemaVersion is the document schema this client reads and writes.
const SchemaVersion = 1

// DocumentMeta is the document header.
type DocumentMeta struct {
	SchemaVersion int `json:"schemaVersion"`
}

// Document is the remote blob of one identity.
type Document struct {
	Meta DocumentMeta `json:"meta"`
	record.Dataset
}

// NewDocument wraps a dataset in a document at the current schema version.
func NewDocument(d record.Dataset) Document {
	return Document{
		Meta:    DocumentMeta{SchemaVersion: SchemaVersion},
		Dataset: d,
	}
}

// Encode returns the canonical serialization of doc: records sorted by id,
// object keys sorted at every level. The same bytes are used for writes and
// for no-op comparison.
func Encode(doc Document) ([]byte, error) {
	doc.Dataset = doc.Dataset.Sorted()
	if doc.Meta.SchemaVersion == 0 {
		doc.Meta.SchemaVersion = SchemaVersion
	}
	return record.Canonical(doc)
}

// Parse decodes remote content. If the content does not decode, one repair
// pass is attempted before giving up with ErrMalformedRemoteData. repaired
// reports whether the repair pass was needed.
func Parse(raw []byte) (doc Document, repaired bool, err error) {
	doc, err = decode(raw, false)
	if err == nil {
		return doc, false, nil
	}

	fixed := Repair(raw)
	doc, repairErr := decode(fixed, true)
	if repairErr != nil {
		return Document{}, true, fmt.Errorf("%w: %v", ErrMalformedRemoteData, err)
	}
	return doc, true, nil
}

func decode(raw []byte, lenient bool) (Document, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&doc); err != nil {
		return Document{}, err
	}
	if !lenient {
		if _, err := dec.Token(); err != io.EOF {
			return Document{}, fmt.Errorf("unexpected data after document")
		}
	}
	if doc.Meta.SchemaVersion > SchemaVersion {
		return Document{}, fmt.Errorf("unsupported schema version %d", doc.Meta.SchemaVersion)
	}
	if doc.Warehouses == nil {
		doc.Warehouses = []record.Warehouse{}
	}
	if doc.Products == nil {
		doc.Products = []record.Product{}
	}
	if err := doc.Dataset.Validate(); err != nil {
		return Document{}, err
	}
	doc.Dataset = doc.Dataset.Sorted()
	return doc, nil
}

// Repair normalizes known serialization artifacts: a UTF-8 byte order
// mark, NUL bytes, and trailing commas before a closing bracket. Anything
// after the first complete JSON value is ignored by the lenient decode that
// follows.
func Repair(raw []byte) []byte {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))

	out := make([]byte, 0, len(raw))
	inString := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c == 0 {
			continue
		}
		if inString {
			out = append(out, c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case ',':
			if next := nextSignificant(raw, i+1); next == '}' || next == ']' {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func nextSignificant(raw []byte, from int) byte {
	for j := from; j < len(raw); j++ {
		switch raw[j] {
		case ' ', '\t', '\n', '\r', 0:
			continue
		default:
			return raw[j]
		}
	}
	return 0
}
