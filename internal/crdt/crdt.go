// Package crdt adapts automerge documents to the delta/snapshot contract the
// session layer relies on: deltas are concatenated automerge change chunks and
// version vectors are the document heads.
package crdt

import (
	"bytes"
	"fmt"

	"github.com/automerge/automerge-go"

	"github.com/HirenKhatri7/DevSync/internal/protocol"

	devsyncerrors "github.com/HirenKhatri7/DevSync/internal/errors"
)

// Doc is a mergeable document. It is not safe for concurrent use; the owning
// session serializes access.
type Doc struct {
	doc *automerge.Doc
}

// New returns an empty document.
func New() *Doc {
	return &Doc{doc: automerge.New()}
}

// Load restores a document from a snapshot produced by Snapshot.
func Load(snapshot []byte) (*Doc, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, &devsyncerrors.InvalidDeltaError{Err: fmt.Errorf("load snapshot: %w", err)}
	}
	return &Doc{doc: doc}, nil
}

// Snapshot serializes the entire document.
func (d *Doc) Snapshot() []byte {
	return d.doc.Save()
}

// VersionVector summarizes the changes this document already has.
func (d *Doc) VersionVector() VersionVector {
	return VersionVector(d.doc.Heads())
}

// Delta returns every change the holder of since is missing. The result is
// empty when since already covers this document.
func (d *Doc) Delta(since VersionVector) ([]byte, error) {
	changes, err := d.doc.Changes(since...)
	if err != nil {
		// Heads we have never seen, e.g. from a peer that edited offline.
		// Everything we have is the safe answer since applying is idempotent.
		changes, err = d.doc.Changes()
		if err != nil {
			return nil, fmt.Errorf("list changes: %w", err)
		}
	}
	var buf bytes.Buffer
	for _, ch := range changes {
		buf.Write(ch.Save())
	}
	return buf.Bytes(), nil
}

// Apply merges a delta produced by Delta on any replica.
func (d *Doc) Apply(delta []byte) error {
	if len(delta) == 0 {
		return nil
	}
	if err := d.doc.LoadIncremental(delta); err != nil {
		return &devsyncerrors.InvalidDeltaError{Err: err}
	}
	return nil
}

// InsertText inserts s at pos into the text object at field, creating it if needed,
// and commits the change.
func (d *Doc) InsertText(field string, pos int, s string) error {
	p := d.doc.Path(field)
	v, err := p.Get()
	if err != nil {
		return err
	}
	if v.Kind() != automerge.KindText {
		if err := p.Set(automerge.NewText("")); err != nil {
			return err
		}
	}
	if err := p.Text().Insert(pos, s); err != nil {
		return err
	}
	_, err = d.doc.Commit("insert text")
	return err
}

// Text returns the content of the text object at field, or "" if there is none.
func (d *Doc) Text(field string) (string, error) {
	v, err := d.doc.Path(field).Get()
	if err != nil {
		return "", err
	}
	if v.Kind() != automerge.KindText {
		return "", nil
	}
	return d.doc.Path(field).Text().Get()
}

// VersionVector is the set of head change hashes of a document.
type VersionVector []automerge.ChangeHash

const hashSize = len(automerge.ChangeHash{})

// Encode writes the vector as a varuint count followed by raw hashes.
func (v VersionVector) Encode() []byte {
	w := protocol.NewWriter(1 + len(v)*hashSize)
	w.WriteVarUint(uint64(len(v)))
	for _, h := range v {
		w.WriteRaw(h[:])
	}
	return w.Bytes()
}

// DecodeVersionVector parses an encoded vector. An empty input is an empty vector.
func DecodeVersionVector(b []byte) (VersionVector, error) {
	if len(b) == 0 {
		return nil, nil
	}
	r := protocol.NewReader(b)
	n, err := r.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()/hashSize) {
		return nil, devsyncerrors.Malformed("version vector claims %d heads in %d bytes", n, r.Remaining())
	}
	v := make(VersionVector, n)
	for i := range v {
		raw, err := r.ReadRaw(uint64(hashSize))
		if err != nil {
			return nil, err
		}
		copy(v[i][:], raw)
	}
	return v, nil
}
