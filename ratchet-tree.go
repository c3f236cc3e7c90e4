package mls

import (
	"bytes"
	"fmt"
	"sort"
	"time"
)

type leafSet map[leafIndex]bool

func newLeafSet(leaves []leafIndex) leafSet {
	s := leafSet{}
	for _, l := range leaves {
		s[l] = true
	}
	return s
}

// leafKeys maps leaf init keys to the private keys this member holds for them
type leafKeys map[string]HPKEPrivateKey

func (lk leafKeys) find(pub HPKEPublicKey) (*HPKEPrivateKey, bool) {
	priv, ok := lk[string(pub.Data)]
	if !ok {
		return nil, false
	}
	return &priv, true
}

// Path secrets produced by an update, by the direct-path node they seed, and
// the commit secret one step above the root
type pathSecrets struct {
	nodes  map[nodeIndex][]byte
	commit []byte
}

func (ps *pathSecrets) zero() {
	for _, s := range ps.nodes {
		zeroize(s)
	}
	zeroize(ps.commit)
}

///
/// RatchetTreeView
///

// RatchetTreeView is one member's snapshot of the ratchet tree.  Mutating
// operations return a new view; the receiver is never modified after it has
// been returned from a constructor or mutator.
type RatchetTreeView struct {
	suite       CipherSuite
	tree        ptree[*NodeData]
	self        leafIndex
	byIdentity  map[string]leafIndex
	emptyLeaves []leafIndex
	hashes      map[nodeIndex][]byte
}

func newRatchetTreeView(suite CipherSuite, kp KeyPackage, priv HPKEPrivateKey) *RatchetTreeView {
	v := &RatchetTreeView{
		suite:       suite,
		tree:        newPTree([]*NodeData{newLeafData(kp, &priv)}, nil),
		self:        0,
		byIdentity:  map[string]leafIndex{string(kp.Credential.Identity()): 0},
		emptyLeaves: []leafIndex{},
		hashes:      map[nodeIndex][]byte{},
	}
	v.rehash()
	return v
}

// newRatchetTreeViewFromNodes rebuilds a view from the public tree sent in a
// Welcome.  The member's own leaf is located by its KeyPackage.
func newRatchetTreeViewFromNodes(suite CipherSuite, nodes []OptionalNode, kp KeyPackage, priv HPKEPrivateKey) (*RatchetTreeView, error) {
	data := make([]*NodeData, len(nodes))
	for i, on := range nodes {
		if on.blank() {
			continue
		}

		isLeaf := on.Node.Type() == NodeTypeLeaf
		if isLeaf != (i%2 == 0) {
			return nil, fmt.Errorf("mls.tree: node %d has the wrong type: %w", i, ErrDecode)
		}

		if isLeaf {
			data[i] = newLeafData(*on.Node.Leaf, nil)
		} else {
			data[i] = newParentData(*on.Node.Parent, nil)
		}
	}

	tree, ok := newPTreeFromNodes(data)
	if !ok || tree.Size() == 0 {
		return nil, fmt.Errorf("mls.tree: malformed tree of %d nodes: %w", len(nodes), ErrDecode)
	}

	v := &RatchetTreeView{
		suite:  suite,
		tree:   tree,
		hashes: map[nodeIndex][]byte{},
	}

	if err := v.reindex(); err != nil {
		return nil, err
	}

	self, ok := v.byIdentity[string(kp.Credential.Identity())]
	if !ok || !v.leaf(self).Equals(kp) {
		return nil, fmt.Errorf("mls.tree: own KeyPackage is not in the tree: %w", ErrKeyAgreement)
	}

	v.self = self
	v.set(toNodeIndex(self), newLeafData(kp, &priv))
	v.rehash()
	return v, nil
}

func (v *RatchetTreeView) reindex() error {
	v.byIdentity = map[string]leafIndex{}
	v.emptyLeaves = []leafIndex{}
	for l := leafIndex(0); leafCount(l) < v.Size(); l++ {
		kp := v.leaf(l)
		if kp == nil {
			v.emptyLeaves = append(v.emptyLeaves, l)
			continue
		}

		id := string(kp.Credential.Identity())
		if _, dup := v.byIdentity[id]; dup {
			return fmt.Errorf("mls.tree: duplicate identity %x: %w", id, ErrDecode)
		}
		v.byIdentity[id] = l
	}
	return nil
}

func (v *RatchetTreeView) clone() *RatchetTreeView {
	next := &RatchetTreeView{
		suite:       v.suite,
		tree:        v.tree,
		self:        v.self,
		byIdentity:  make(map[string]leafIndex, len(v.byIdentity)),
		emptyLeaves: make([]leafIndex, len(v.emptyLeaves)),
		hashes:      make(map[nodeIndex][]byte, len(v.hashes)),
	}

	for id, l := range v.byIdentity {
		next.byIdentity[id] = l
	}
	copy(next.emptyLeaves, v.emptyLeaves)
	for n, h := range v.hashes {
		next.hashes[n] = h
	}
	return next
}

func (v *RatchetTreeView) Size() leafCount {
	return v.tree.Size()
}

func (v *RatchetTreeView) Self() leafIndex {
	return v.self
}

func (v *RatchetTreeView) node(n nodeIndex) *NodeData {
	nd, _ := v.tree.Node(n)
	return nd
}

func (v *RatchetTreeView) leaf(l leafIndex) *KeyPackage {
	nd, ok := v.tree.Leaf(l)
	if !ok || nd == nil {
		return nil
	}
	return nd.Leaf
}

func (v *RatchetTreeView) occupied(l leafIndex) bool {
	return v.leaf(l) != nil
}

func (v *RatchetTreeView) Find(identity []byte) (leafIndex, bool) {
	l, ok := v.byIdentity[string(identity)]
	return l, ok
}

// Credential of the member at a leaf, or nil for a blank leaf
func (v *RatchetTreeView) Credential(l leafIndex) *Credential {
	kp := v.leaf(l)
	if kp == nil {
		return nil
	}
	return &kp.Credential
}

// memberPackages lists the occupied leaves by identity
func (v *RatchetTreeView) memberPackages() map[string]KeyPackage {
	out := make(map[string]KeyPackage, len(v.byIdentity))
	for id, l := range v.byIdentity {
		out[id] = *v.leaf(l)
	}
	return out
}

// Identities of the members, in leaf order
func (v *RatchetTreeView) Identities() [][]byte {
	out := [][]byte{}
	for l := leafIndex(0); leafCount(l) < v.Size(); l++ {
		if kp := v.leaf(l); kp != nil {
			out = append(out, dup(kp.Credential.Identity()))
		}
	}
	return out
}

func (v *RatchetTreeView) leafPrivateKey() *HPKEPrivateKey {
	nd := v.node(toNodeIndex(v.self))
	if nd == nil {
		return nil
	}
	return nd.PrivateKey
}

// set and appendLeaf are only used on fresh clones, before they are returned
func (v *RatchetTreeView) set(n nodeIndex, nd *NodeData) {
	tree, ok := v.tree.ReplaceNode(n, nd)
	if !ok {
		panic(fmt.Sprintf("Node %d outside tree of size %d", n, v.Size()))
	}

	v.tree = tree
	v.invalidate(n)
}

func (v *RatchetTreeView) appendLeaf(nd *NodeData) leafIndex {
	l := leafIndex(v.Size())
	v.tree = v.tree.AddNode(nd, nil)
	v.invalidate(toNodeIndex(l))
	return l
}

func (v *RatchetTreeView) invalidate(n nodeIndex) {
	delete(v.hashes, n)
	for _, p := range dirpath(n, v.Size()) {
		delete(v.hashes, p)
	}
}

func (v *RatchetTreeView) Nodes() []OptionalNode {
	data := v.tree.Nodes()
	out := make([]OptionalNode, len(data))
	for i, nd := range data {
		out[i] = nd.toOptionalNode()
	}
	return out
}

///
/// Resolution
///

// The resolution of a non-blank node is the node and its unmerged leaves;
// for a blank node it is the union of its children's resolutions.  Omitted
// leaves never appear.
func (v *RatchetTreeView) resolve(n nodeIndex, omitted leafSet) []nodeIndex {
	nd := v.node(n)
	if level(n) == 0 {
		if nd == nil || omitted[toLeafIndex(n)] {
			return []nodeIndex{}
		}
		return []nodeIndex{n}
	}

	if nd != nil {
		res := []nodeIndex{n}
		for _, l := range nd.Parent.UnmergedLeaves {
			if !omitted[l] {
				res = append(res, toNodeIndex(l))
			}
		}
		return res
	}

	l := v.resolve(left(n), omitted)
	r := v.resolve(right(n, v.Size()), omitted)
	return append(l, r...)
}

///
/// Hashes
///

func (v *RatchetTreeView) hash(n nodeIndex) []byte {
	if h, ok := v.hashes[n]; ok {
		return h
	}

	var in interface{}
	nd := v.node(n)
	if level(n) == 0 {
		lhi := leafNodeHashInput{NodeIndex: n}
		if nd != nil {
			lhi.KeyPackage = nd.Leaf
		}
		in = lhi
	} else {
		phi := parentNodeHashInput{
			NodeIndex: n,
			LeftHash:  v.hash(left(n)),
			RightHash: v.hash(right(n, v.Size())),
		}
		if nd != nil {
			phi.ParentNode = nd.Parent
		}
		in = phi
	}

	enc, err := marshal(in)
	if err != nil {
		panic(fmt.Errorf("mls.tree: hash input for node %d: %v", n, err))
	}

	h := v.suite.Digest(enc)
	v.hashes[n] = h
	return h
}

// Fill the cache so that later reads never write
func (v *RatchetTreeView) rehash() {
	if v.Size() > 0 {
		v.hash(root(v.Size()))
	}
}

func (v *RatchetTreeView) TreeHash() []byte {
	if v.Size() == 0 {
		return []byte{}
	}
	return dup(v.hash(root(v.Size())))
}

// ParentHash of a parent node: the hash its children commit to
func (v *RatchetTreeView) ParentHash(n nodeIndex) []byte {
	nd := v.node(n)
	if nd == nil || nd.Parent == nil {
		return []byte{}
	}
	return v.parentHashOf(nd.Parent.PublicKey, nd.Parent.ParentHash)
}

func (v *RatchetTreeView) parentHashOf(pub HPKEPublicKey, parentHash []byte) []byte {
	enc, err := marshal(parentHashInput{pub, parentHash})
	if err != nil {
		panic(fmt.Errorf("mls.tree: parent hash input: %v", err))
	}
	return v.suite.Digest(enc)
}

// chainParentHashes computes the parent_hash field of each node on a direct
// path, given the path's public keys from the bottom up, and the value the
// leaf must carry in its ParentHash extension.  The root's field is empty.
func (v *RatchetTreeView) chainParentHashes(pubs []HPKEPublicKey) ([][]byte, []byte) {
	fields := make([][]byte, len(pubs))
	if len(pubs) == 0 {
		return fields, []byte{}
	}

	top := len(pubs) - 1
	fields[top] = []byte{}
	for i := top - 1; i >= 0; i-- {
		fields[i] = v.parentHashOf(pubs[i+1], fields[i+1])
	}

	return fields, v.parentHashOf(pubs[0], fields[0])
}

///
/// Path secrets
///

func (v *RatchetTreeView) pathStep(pathSecret []byte) []byte {
	return v.suite.expandWithLabel(pathSecret, "path", []byte{}, v.suite.Constants().SecretSize)
}

func (v *RatchetTreeView) nodeKey(pathSecret []byte) (HPKEPrivateKey, error) {
	nodeSecret := v.suite.expandWithLabel(pathSecret, "node", []byte{}, v.suite.Constants().SecretSize)
	defer zeroize(nodeSecret)
	return v.suite.hpke().Derive(nodeSecret)
}

///
/// Proposals
///

// ApplyProposals returns the view after removes, then updates, then adds,
// along with the leaves the adds landed in.  Updates are matched to leaves by
// credential identity; if the new init key is in keys, the private key is
// attached to the leaf.
func (v *RatchetTreeView) ApplyProposals(proposals []Proposal, keys leafKeys) (*RatchetTreeView, []leafIndex, error) {
	next := v.clone()
	removes, updates, adds := Commit{Proposals: proposals}.split()

	for _, p := range removes {
		if err := next.remove(p.Remove.Removed); err != nil {
			return nil, nil, err
		}
	}

	for _, p := range updates {
		if err := next.update(p.Update.KeyPackage, keys); err != nil {
			return nil, nil, err
		}
	}

	added := []leafIndex{}
	for _, p := range adds {
		l, err := next.add(p.Add.KeyPackage)
		if err != nil {
			return nil, nil, err
		}
		added = append(added, l)
	}

	next.rehash()
	return next, added, nil
}

func (v *RatchetTreeView) blankPath(l leafIndex) {
	for _, p := range dirpath(toNodeIndex(l), v.Size()) {
		if v.node(p) != nil {
			v.set(p, nil)
		}
	}
}

func (v *RatchetTreeView) remove(l leafIndex) error {
	kp := v.leaf(l)
	if kp == nil {
		return fmt.Errorf("mls.tree: remove of blank leaf %d: %w", l, ErrProtocolState)
	}

	delete(v.byIdentity, string(kp.Credential.Identity()))
	v.set(toNodeIndex(l), nil)
	v.blankPath(l)

	v.emptyLeaves = append(v.emptyLeaves, l)
	sort.Slice(v.emptyLeaves, func(i, j int) bool { return v.emptyLeaves[i] < v.emptyLeaves[j] })
	return nil
}

func (v *RatchetTreeView) update(kp KeyPackage, keys leafKeys) error {
	if err := v.checkKeyPackage(kp); err != nil {
		return err
	}

	l, ok := v.byIdentity[string(kp.Credential.Identity())]
	if !ok {
		return fmt.Errorf("mls.tree: update for unknown member %x: %w", kp.Credential.Identity(), ErrProtocolState)
	}

	priv, _ := keys.find(kp.InitKey)
	v.set(toNodeIndex(l), newLeafData(kp, priv))
	v.blankPath(l)
	return nil
}

func (v *RatchetTreeView) add(kp KeyPackage) (leafIndex, error) {
	if err := v.checkKeyPackage(kp); err != nil {
		return 0, err
	}

	id := string(kp.Credential.Identity())
	if _, ok := v.byIdentity[id]; ok {
		return 0, fmt.Errorf("mls.tree: %x is already a member: %w", id, ErrProtocolState)
	}

	var l leafIndex
	if len(v.emptyLeaves) > 0 {
		l = v.emptyLeaves[0]
		v.emptyLeaves = v.emptyLeaves[1:]
		v.set(toNodeIndex(l), newLeafData(kp, nil))
	} else {
		l = v.appendLeaf(newLeafData(kp, nil))
	}
	v.byIdentity[id] = l

	for _, p := range dirpath(toNodeIndex(l), v.Size()) {
		nd := v.node(p)
		if nd == nil {
			continue
		}

		parent := nd.Parent.Clone()
		parent.AddUnmerged(l)
		v.set(p, newParentData(parent, nd.PrivateKey))
	}

	return l, nil
}

func (v *RatchetTreeView) checkKeyPackage(kp KeyPackage) error {
	if kp.CipherSuite != v.suite {
		return fmt.Errorf("mls.tree: KeyPackage for suite %v in a %v group: %w", kp.CipherSuite, v.suite, ErrProtocolState)
	}

	if err := kp.Verify(); err != nil {
		return fmt.Errorf("mls.tree: %w", err)
	}
	return nil
}

///
/// Update paths
///

// Update rotates this member's leaf and every node on its direct path.  Each
// new path secret is encrypted to the resolution of the corresponding copath
// node, skipping omitted leaves, under the given context.
func (v *RatchetTreeView) Update(leafSecret []byte, sigPriv SignaturePrivateKey, lifetime time.Duration, context []byte, omitted leafSet) (*RatchetTreeView, *UpdatePath, *pathSecrets, error) {
	n := toNodeIndex(v.self)
	old := v.leaf(v.self)
	if old == nil {
		return nil, nil, nil, fmt.Errorf("mls.tree: own leaf is blank: %w", ErrProtocolState)
	}

	dp := dirpath(n, v.Size())
	cp := copath(n, v.Size())

	leafPriv, err := v.nodeKey(leafSecret)
	if err != nil {
		return nil, nil, nil, err
	}

	secrets := &pathSecrets{nodes: map[nodeIndex][]byte{}}
	privs := make([]HPKEPrivateKey, len(dp))
	pubs := make([]HPKEPublicKey, len(dp))
	curr := leafSecret
	for i, p := range dp {
		curr = v.pathStep(curr)
		secrets.nodes[p] = curr

		privs[i], err = v.nodeKey(curr)
		if err != nil {
			return nil, nil, nil, err
		}
		pubs[i] = privs[i].PublicKey
	}
	secrets.commit = v.pathStep(curr)

	fields, leafParentHash := v.chainParentHashes(pubs)

	kp := old.Clone()
	kp.InitKey = leafPriv.PublicKey
	exts := []ExtensionBody{ParentHashExtension{leafParentHash}}
	if lifetime > 0 {
		exts = append(exts, newLifetimeExtension(time.Now(), lifetime))
	}
	for _, ext := range exts {
		if err := kp.Extensions.Add(ext); err != nil {
			return nil, nil, nil, err
		}
	}

	if err := kp.Sign(sigPriv); err != nil {
		return nil, nil, nil, err
	}

	next := v.clone()
	next.set(n, newLeafData(kp, &leafPriv))

	path := &UpdatePath{
		LeafKeyPackage: kp,
		Nodes:          make([]UpdatePathNode, len(dp)),
	}

	for i, p := range dp {
		parent := ParentNode{
			PublicKey:      pubs[i],
			UnmergedLeaves: []leafIndex{},
			ParentHash:     fields[i],
		}
		next.set(p, newParentData(parent, &privs[i]))

		cts := []HPKECiphertext{}
		for _, r := range v.resolve(cp[i], omitted) {
			ct, err := v.suite.hpke().Encrypt(v.node(r).PublicKey(), context, secrets.nodes[p])
			if err != nil {
				return nil, nil, nil, fmt.Errorf("mls.tree: encrypting path secret to node %d: %v", r, err)
			}
			cts = append(cts, ct)
		}

		path.Nodes[i] = UpdatePathNode{
			PublicKey:           pubs[i],
			EncryptedPathSecret: cts,
		}
	}

	next.rehash()
	return next, path, secrets, nil
}

// decryptPathSecret tries every private key held for a node in the
// resolution against every ciphertext, in order, and takes the first that
// opens.
func (v *RatchetTreeView) decryptPathSecret(res []nodeIndex, cts []HPKECiphertext, context []byte) ([]byte, error) {
	for _, r := range res {
		nd := v.node(r)
		if nd == nil || nd.PrivateKey == nil {
			continue
		}

		for _, ct := range cts {
			pt, err := v.suite.hpke().Decrypt(*nd.PrivateKey, context, ct)
			if err == nil {
				return pt, nil
			}
		}
	}

	return nil, fmt.Errorf("mls.tree: no private key decrypts the update path: %w", ErrKeyAgreement)
}

// ApplyUpdatePath installs another member's update path and returns the
// resulting commit secret.
func (v *RatchetTreeView) ApplyUpdatePath(sender leafIndex, path *UpdatePath, context []byte, omitted leafSet) (*RatchetTreeView, []byte, error) {
	if sender == v.self {
		return nil, nil, fmt.Errorf("mls.tree: cannot apply own update path: %w", ErrProtocolState)
	}

	old := v.leaf(sender)
	if old == nil {
		return nil, nil, fmt.Errorf("mls.tree: update path from blank leaf %d: %w", sender, ErrVerification)
	}

	if !old.Credential.Equals(path.LeafKeyPackage.Credential) {
		return nil, nil, fmt.Errorf("mls.tree: update path changes the sender's credential: %w", ErrVerification)
	}

	if err := v.checkKeyPackage(path.LeafKeyPackage); err != nil {
		return nil, nil, err
	}

	n := toNodeIndex(sender)
	dp := dirpath(n, v.Size())
	cp := copath(n, v.Size())
	if len(path.Nodes) != len(dp) {
		return nil, nil, fmt.Errorf("mls.tree: update path has %d nodes, expected %d: %w", len(path.Nodes), len(dp), ErrVerification)
	}

	pubs := make([]HPKEPublicKey, len(dp))
	for i := range path.Nodes {
		pubs[i] = path.Nodes[i].PublicKey
	}

	fields, leafParentHash := v.chainParentHashes(pubs)
	var phe ParentHashExtension
	found, err := path.LeafKeyPackage.Extensions.Find(&phe)
	if err != nil {
		return nil, nil, err
	}

	if !found || !bytes.Equal(phe.ParentHash, leafParentHash) {
		return nil, nil, fmt.Errorf("mls.tree: leaf parent hash does not match the path: %w", ErrVerification)
	}

	// The path secret for us is at the lowest node shared by both paths
	overlap := ancestor(v.self, sender)
	start := -1
	for i, p := range dp {
		if p == overlap {
			start = i
			break
		}
	}
	if start < 0 {
		panic("Common ancestor not on the sender's direct path")
	}

	pathSecret, err := v.decryptPathSecret(v.resolve(cp[start], omitted), path.Nodes[start].EncryptedPathSecret, context)
	if err != nil {
		return nil, nil, err
	}

	next := v.clone()
	next.set(n, newLeafData(path.LeafKeyPackage, nil))

	curr := pathSecret
	for i, p := range dp {
		parent := ParentNode{
			PublicKey:      pubs[i],
			UnmergedLeaves: []leafIndex{},
			ParentHash:     fields[i],
		}

		var priv *HPKEPrivateKey
		if i >= start {
			if i > start {
				prev := curr
				curr = v.pathStep(curr)
				zeroize(prev)
			}

			key, err := v.nodeKey(curr)
			if err != nil {
				return nil, nil, err
			}

			if !key.PublicKey.Equals(pubs[i]) {
				return nil, nil, fmt.Errorf("mls.tree: path secret does not match public key at node %d: %w", p, ErrVerification)
			}
			priv = &key
		}

		next.set(p, newParentData(parent, priv))
	}

	commitSecret := v.pathStep(curr)
	zeroize(curr)

	next.rehash()
	return next, commitSecret, nil
}

// ImplantPathSecret installs the private keys that follow from a path secret
// for the lowest node shared with the committer, as delivered in a Welcome.
// The derived keys must match the public keys already in the tree.
func (v *RatchetTreeView) ImplantPathSecret(from leafIndex, pathSecret []byte) (*RatchetTreeView, []byte, error) {
	overlap := ancestor(v.self, from)
	dp := dirpath(toNodeIndex(v.self), v.Size())

	next := v.clone()
	curr := dup(pathSecret)
	started := false
	for _, p := range dp {
		if p == overlap {
			started = true
		} else if started {
			prev := curr
			curr = v.pathStep(curr)
			zeroize(prev)
		}

		if !started {
			continue
		}

		nd := v.node(p)
		if nd == nil {
			return nil, nil, fmt.Errorf("mls.tree: path secret for blank node %d: %w", p, ErrVerification)
		}

		key, err := v.nodeKey(curr)
		if err != nil {
			return nil, nil, err
		}

		if !key.PublicKey.Equals(nd.Parent.PublicKey) {
			return nil, nil, fmt.Errorf("mls.tree: path secret does not match public key at node %d: %w", p, ErrVerification)
		}

		next.set(p, newParentData(nd.Parent.Clone(), &key))
	}

	if !started {
		return nil, nil, fmt.Errorf("mls.tree: committer %d shares no path with %d: %w", from, v.self, ErrVerification)
	}

	commitSecret := v.pathStep(curr)
	zeroize(curr)

	next.rehash()
	return next, commitSecret, nil
}
