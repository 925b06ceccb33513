// Package merkle builds the merkle tree over a document's sections. The root
// is an input to signature construction and anchor memos.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

const (
	leafPrefix = "docengine:leaf:v1"
	nodePrefix = "docengine:node:v1"
)

// Tree is a merkle tree over ordered document sections.
type Tree struct {
	LeafHashes []string
	Levels     [][]string
	Root       string
}

// Build constructs the tree from ordered section contents. An empty section
// list yields the hash of the empty leaf set so the root is never "".
func Build(sections []string) *Tree {
	if len(sections) == 0 {
		return &Tree{Root: sha256Hex([]byte(leafPrefix))}
	}

	leaves := make([]string, len(sections))
	for i, s := range sections {
		leaves[i] = sha256Hex(leafBytes(i, s))
	}

	tree := &Tree{LeafHashes: leaves}
	level := leaves
	for len(level) > 1 {
		tree.Levels = append(tree.Levels, level)
		level = nextLevel(level)
	}
	tree.Levels = append(tree.Levels, level)
	tree.Root = level[0]
	return tree
}

// Root is a convenience for callers that only need the top hash.
func Root(sections []string) string {
	return Build(sections).Root
}

// leafBytes binds the section index into the leaf. The index is written as
// decimal text so it never truncates, whatever the section count.
func leafBytes(index int, section string) []byte {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.WriteString(strconv.Itoa(index))
	buf.WriteByte(0)
	buf.WriteString(section)
	return buf.Bytes()
}

func nextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes, hashes[count-1])
		count++
	}
	next := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		next[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return next
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
