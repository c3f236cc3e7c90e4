package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

type NodeType uint8

const (
	NodeTypeLeaf   NodeType = 0x00
	NodeTypeParent NodeType = 0x01
)

func (nt NodeType) ValidForTLS() error {
	return validateEnum(nt, NodeTypeLeaf, NodeTypeParent)
}

///
/// ParentNode
///

// struct {
//     HPKEPublicKey public_key;
//     uint32 unmerged_leaves<0..2^32-1>;
//     opaque parent_hash<0..255>;
// } ParentNode;
type ParentNode struct {
	PublicKey      HPKEPublicKey
	UnmergedLeaves []leafIndex `tls:"head=4"`
	ParentHash     []byte      `tls:"head=1"`
}

func (n ParentNode) Clone() ParentNode {
	cloned := ParentNode{
		PublicKey:      HPKEPublicKey{dup(n.PublicKey.Data)},
		UnmergedLeaves: make([]leafIndex, len(n.UnmergedLeaves)),
		ParentHash:     dup(n.ParentHash),
	}
	copy(cloned.UnmergedLeaves, n.UnmergedLeaves)
	return cloned
}

func (n *ParentNode) AddUnmerged(l leafIndex) {
	n.UnmergedLeaves = append(n.UnmergedLeaves, l)
}

///
/// Node
///

// Wire form of a tree node: either a member's KeyPackage or a ParentNode
type Node struct {
	Leaf   *KeyPackage
	Parent *ParentNode
}

func (n Node) Type() NodeType {
	switch {
	case n.Leaf != nil:
		return NodeTypeLeaf
	case n.Parent != nil:
		return NodeTypeParent
	default:
		panic("Malformed node")
	}
}

func (n Node) PublicKey() HPKEPublicKey {
	switch n.Type() {
	case NodeTypeLeaf:
		return n.Leaf.InitKey
	default:
		return n.Parent.PublicKey
	}
}

func (n Node) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	nodeType := n.Type()
	err := s.Write(nodeType)
	if err != nil {
		return nil, err
	}

	switch nodeType {
	case NodeTypeLeaf:
		err = s.Write(n.Leaf)
	case NodeTypeParent:
		err = s.Write(n.Parent)
	}

	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (n *Node) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var nodeType NodeType
	_, err := s.Read(&nodeType)
	if err != nil {
		return 0, err
	}

	switch nodeType {
	case NodeTypeLeaf:
		n.Leaf = new(KeyPackage)
		_, err = s.Read(n.Leaf)
	case NodeTypeParent:
		n.Parent = new(ParentNode)
		_, err = s.Read(n.Parent)
	default:
		err = fmt.Errorf("mls.node: unknown node type %d", nodeType)
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

type OptionalNode struct {
	Node *Node `tls:"optional"`
}

func (n OptionalNode) blank() bool {
	return n.Node == nil
}

///
/// NodeData
///

// NodeData is the in-memory content of one tree position.  A nil *NodeData
// is a blank node.  Values are never modified once they are in a tree.
type NodeData struct {
	Leaf       *KeyPackage
	Parent     *ParentNode
	PrivateKey *HPKEPrivateKey
}

func newLeafData(kp KeyPackage, priv *HPKEPrivateKey) *NodeData {
	return &NodeData{Leaf: &kp, PrivateKey: priv}
}

func newParentData(parent ParentNode, priv *HPKEPrivateKey) *NodeData {
	return &NodeData{Parent: &parent, PrivateKey: priv}
}

func (nd *NodeData) PublicKey() HPKEPublicKey {
	if nd.Leaf != nil {
		return nd.Leaf.InitKey
	}
	return nd.Parent.PublicKey
}

func (nd *NodeData) toOptionalNode() OptionalNode {
	switch {
	case nd == nil:
		return OptionalNode{}
	case nd.Leaf != nil:
		return OptionalNode{&Node{Leaf: nd.Leaf}}
	default:
		return OptionalNode{&Node{Parent: nd.Parent}}
	}
}

///
/// Hash inputs
///

// struct {
//     uint32 node_index;
//     optional<KeyPackage> key_package;
// } LeafNodeHashInput;
type leafNodeHashInput struct {
	NodeIndex  nodeIndex
	KeyPackage *KeyPackage `tls:"optional"`
}

// struct {
//     uint32 node_index;
//     optional<ParentNode> parent_node;
//     opaque left_hash<0..255>;
//     opaque right_hash<0..255>;
// } ParentNodeHashInput;
type parentNodeHashInput struct {
	NodeIndex  nodeIndex
	ParentNode *ParentNode `tls:"optional"`
	LeftHash   []byte      `tls:"head=1"`
	RightHash  []byte      `tls:"head=1"`
}

// struct {
//     HPKEPublicKey public_key;
//     opaque parent_hash<0..255>;
// } ParentHashInput;
type parentHashInput struct {
	PublicKey  HPKEPublicKey
	ParentHash []byte `tls:"head=1"`
}
