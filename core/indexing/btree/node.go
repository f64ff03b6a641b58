package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	pager "github.com/yadb-io/yadb/core/storage/page_manager"
)

// checksumSize is the width of the CRC32 trailer on every node page.
const checksumSize = 4

// maxChunkLen bounds a single key or value: lengths are stored as uint16.
const maxChunkLen = 1<<16 - 1

// maxNodeEntries bounds leaf entries and internal children: counts are
// stored as uint16, and a count that wraps would decode to a smaller,
// checksum-valid node that silently drops entries.
const maxNodeEntries = 1<<16 - 1

// NodeType discriminates the two node kinds. The values are the page type
// tags, so byte 0 of a node page is the discriminant.
type NodeType byte

const (
	NodeTypeLeaf     = NodeType(pager.PageTypeLeaf)
	NodeTypeInternal = NodeType(pager.PageTypeInternal)
)

// Node is the transient decoded form of one tree page. A node exists only
// while an operation is in flight; the canonical state is the page on disk.
//
// Leaf nodes carry parallel Keys/Values plus the NextLeaf sibling pointer
// (0 = last leaf). Internal nodes carry separator Keys and Children with
// len(Children) == len(Keys)+1; Values and NextLeaf stay empty.
type Node struct {
	PageID   pager.PageID
	Type     NodeType
	Keys     [][]byte
	Values   [][]byte
	Children []pager.PageID
	NextLeaf pager.PageID
}

// Leaf page layout:     tag | u16 entries | u64 next_leaf | (u16 len, key, u16 len, value)* | pad | crc32
// Internal page layout: tag | u16 keys | (u16 len, key)* | u16 children | (u64 child)* | pad | crc32
// All integers little-endian; the crc32 (IEEE) covers everything before it.

// encode serializes the node into a full page image with a trailing
// checksum. A node that cannot fit the page fails with ErrSerialization and
// nothing is written; choosing order, page size and key/value lengths so
// nodes always fit is the caller's precondition.
func (n *Node) encode(pageSize uint64) ([]byte, error) {
	payload := new(bytes.Buffer)
	payload.WriteByte(byte(n.Type))

	switch n.Type {
	case NodeTypeLeaf:
		if len(n.Values) != len(n.Keys) {
			return nil, fmt.Errorf("%w: leaf %d has %d keys but %d values", ErrSerialization, n.PageID, len(n.Keys), len(n.Values))
		}
		if len(n.Keys) > maxNodeEntries {
			return nil, fmt.Errorf("%w: leaf %d holds %d entries, limit is %d", ErrSerialization, n.PageID, len(n.Keys), maxNodeEntries)
		}
		if err := binary.Write(payload, binary.LittleEndian, uint16(len(n.Keys))); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		if err := binary.Write(payload, binary.LittleEndian, uint64(n.NextLeaf)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		for i := range n.Keys {
			if err := writeChunk(payload, n.Keys[i]); err != nil {
				return nil, err
			}
			if err := writeChunk(payload, n.Values[i]); err != nil {
				return nil, err
			}
		}

	case NodeTypeInternal:
		if len(n.Children) != len(n.Keys)+1 {
			return nil, fmt.Errorf("%w: internal %d has %d keys but %d children", ErrSerialization, n.PageID, len(n.Keys), len(n.Children))
		}
		if len(n.Children) > maxNodeEntries {
			return nil, fmt.Errorf("%w: internal %d holds %d children, limit is %d", ErrSerialization, n.PageID, len(n.Children), maxNodeEntries)
		}
		if err := binary.Write(payload, binary.LittleEndian, uint16(len(n.Keys))); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		for _, key := range n.Keys {
			if err := writeChunk(payload, key); err != nil {
				return nil, err
			}
		}
		if err := binary.Write(payload, binary.LittleEndian, uint16(len(n.Children))); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		for _, child := range n.Children {
			if err := binary.Write(payload, binary.LittleEndian, uint64(child)); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
			}
		}

	default:
		return nil, fmt.Errorf("%w: node %d has unknown type 0x%x", ErrSerialization, n.PageID, byte(n.Type))
	}

	if payload.Len() > int(pageSize)-checksumSize {
		return nil, fmt.Errorf("%w: node %d needs %d bytes, page holds %d", ErrSerialization, n.PageID, payload.Len(), int(pageSize)-checksumSize)
	}

	page := make([]byte, pageSize)
	copy(page, payload.Bytes())
	checksum := crc32.ChecksumIEEE(page[:pageSize-checksumSize])
	binary.LittleEndian.PutUint32(page[pageSize-checksumSize:], checksum)
	return page, nil
}

// decodeNode parses a page image back into a Node, verifying the checksum
// before trusting any field. Corruption is reported, never repaired.
func decodeNode(id pager.PageID, page []byte) (*Node, error) {
	if len(page) < 1+checksumSize {
		return nil, fmt.Errorf("%w: page %d image is only %d bytes", ErrCorruption, id, len(page))
	}
	body := page[:len(page)-checksumSize]
	stored := binary.LittleEndian.Uint32(page[len(page)-checksumSize:])
	calculated := crc32.ChecksumIEEE(body)
	if stored != calculated {
		return nil, fmt.Errorf("%w: stored=0x%x, calculated=0x%x for page %d", ErrChecksumMismatch, stored, calculated, id)
	}

	r := bytes.NewReader(body)
	tag, _ := r.ReadByte()

	n := &Node{PageID: id, Type: NodeType(tag)}
	switch n.Type {
	case NodeTypeLeaf:
		var count uint16
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return nil, fmt.Errorf("%w: leaf %d entry count: %v", ErrCorruption, id, err)
		}
		var next uint64
		if err := binary.Read(r, binary.LittleEndian, &next); err != nil {
			return nil, fmt.Errorf("%w: leaf %d next pointer: %v", ErrCorruption, id, err)
		}
		n.NextLeaf = pager.PageID(next)
		n.Keys = make([][]byte, 0, count)
		n.Values = make([][]byte, 0, count)
		for i := uint16(0); i < count; i++ {
			key, err := readChunk(r, id)
			if err != nil {
				return nil, err
			}
			value, err := readChunk(r, id)
			if err != nil {
				return nil, err
			}
			n.Keys = append(n.Keys, key)
			n.Values = append(n.Values, value)
		}

	case NodeTypeInternal:
		var count uint16
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return nil, fmt.Errorf("%w: internal %d key count: %v", ErrCorruption, id, err)
		}
		n.Keys = make([][]byte, 0, count)
		for i := uint16(0); i < count; i++ {
			key, err := readChunk(r, id)
			if err != nil {
				return nil, err
			}
			n.Keys = append(n.Keys, key)
		}
		var childCount uint16
		if err := binary.Read(r, binary.LittleEndian, &childCount); err != nil {
			return nil, fmt.Errorf("%w: internal %d child count: %v", ErrCorruption, id, err)
		}
		if int(childCount) != int(count)+1 {
			return nil, fmt.Errorf("%w: internal %d has %d keys but %d children", ErrCorruption, id, count, childCount)
		}
		n.Children = make([]pager.PageID, 0, childCount)
		for i := uint16(0); i < childCount; i++ {
			var child uint64
			if err := binary.Read(r, binary.LittleEndian, &child); err != nil {
				return nil, fmt.Errorf("%w: internal %d child %d: %v", ErrCorruption, id, i, err)
			}
			n.Children = append(n.Children, pager.PageID(child))
		}

	default:
		return nil, fmt.Errorf("%w: page %d has unknown node tag 0x%x", ErrCorruption, id, tag)
	}
	return n, nil
}

func writeChunk(buf *bytes.Buffer, data []byte) error {
	if len(data) > maxChunkLen {
		return fmt.Errorf("%w: chunk of %d bytes exceeds the %d-byte limit", ErrSerialization, len(data), maxChunkLen)
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(data))); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	buf.Write(data)
	return nil
}

func readChunk(r *bytes.Reader, id pager.PageID) ([]byte, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("%w: page %d chunk length: %v", ErrCorruption, id, err)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: page %d chunk of %d bytes: %v", ErrCorruption, id, length, err)
	}
	return data, nil
}
