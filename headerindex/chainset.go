package headerindex

// Chain is a view of one branch of the header tree, anchored at a tip node.
// All ancestors of the tip are reachable through the parent pointers, with
// the skip pointers accelerating the walk.
type Chain struct {
	tip *Node
}

// Tip returns the node this chain view is anchored at, or nil for an empty
// chain.
func (c *Chain) Tip() *Node {
	return c.tip
}

// Height returns the height of the chain tip, or -1 for an empty chain.
func (c *Chain) Height() int32 {
	if c.tip == nil {
		return -1
	}
	return c.tip.height
}

// Genesis returns the genesis node of the chain, or nil for an empty chain.
func (c *Chain) Genesis() *Node {
	if c.tip == nil {
		return nil
	}
	return c.tip.Ancestor(0)
}

// Contains returns whether the given node is on the path between genesis and
// the tip of this chain.
func (c *Chain) Contains(node *Node) bool {
	if c.tip == nil || node == nil {
		return false
	}
	return c.tip.Ancestor(node.height) == node
}

// NodeByHeight returns the node at the given height on this chain, or nil
// when the height is outside the chain.
func (c *Chain) NodeByHeight(height int32) *Node {
	if c.tip == nil {
		return nil
	}
	return c.tip.Ancestor(height)
}

// setTip re-anchors the chain view at the given node.
func (c *Chain) setTip(node *Node) {
	c.tip = node
}

// ChainSet tracks every leaf of the non-failed header forest together with
// the distinguished main chain, elected by maximum cumulative work with
// first-seen tie breaking.
//
// ChainSet is not internally locked. The consensus layer and the reindex
// worker agree by convention to call it from a single goroutine at a time.
type ChainSet struct {
	// tips holds one node per distinct leaf of the header forest.
	tips []*Node

	// mainChain is the view anchored at the tip with the most cumulative
	// work seen so far.
	mainChain Chain
}

// NewChainSet returns an empty chain set.
func NewChainSet() *ChainSet {
	return &ChainSet{}
}

// MainChain returns the view of the currently elected main chain.
func (cs *ChainSet) MainChain() *Chain {
	return &cs.mainChain
}

// BestHeader returns the tip of the main chain, or nil before genesis has
// been appended.
func (cs *ChainSet) BestHeader() *Node {
	return cs.mainChain.tip
}

// Tips returns the current set of chain tips. The returned slice is shared;
// callers must not mutate it.
func (cs *ChainSet) Tips() []*Node {
	return cs.tips
}

// removeTipAt drops the tip at position i, preserving the order of the
// remaining tips.
func (cs *ChainSet) removeTipAt(i int) {
	cs.tips = append(cs.tips[:i], cs.tips[i+1:]...)
}

// AppendHeader feeds one header node into the chain set, updating the tip
// set and possibly re-electing the main chain. The return value reports
// whether the main chain changed as a result.
//
// The node may carry failure flags; in that case the nearest non-failed
// ancestor takes its place as a tip and any chain built on the failed node
// is dissolved. Appending a node that is already covered by a known chain is
// a no-op. The genesis node must never be failed.
func (cs *ChainSet) AppendHeader(node *Node) bool {
	valid := node.status&StatusFailedMask == 0
	if !valid && node.parent == nil {
		panic("headerindex: genesis cannot be marked failed")
	}
	if valid && cs.mainChain.Contains(node) { // nothing to do.
		return false
	}

	// Walk to the nearest ancestor that is not failed. For a valid node
	// that is the node itself.
	effective := node
	if !valid {
		effective = node.parent
	}
	for effective.status&StatusFailedMask != 0 {
		effective = effective.parent
	}

	// Extension case: the node descends from an existing tip, so the tip
	// slides forward.
	found := false
	modifyingMainChain := false
	for i, tip := range cs.tips {
		if node.Ancestor(tip.height) != tip {
			continue
		}
		cs.removeTipAt(i)
		cs.tips = append(cs.tips, effective)
		if tip == cs.mainChain.tip {
			cs.mainChain.setTip(effective)
			modifyingMainChain = true
		}
		found = true
		break
	}

	if !found {
		modified := false

		// alreadyContains is set when another chain already carries
		// our effective node, meaning no tip needs to be re-added
		// for it.
		alreadyContains := false

		i := 0
		for i < len(cs.tips) {
			tip := cs.tips[i]
			if tip.Ancestor(node.height) == node {
				// Known in this chain.
				if valid {
					return false
				}

				// It is invalid; remove the whole branch.
				modified = true
				mainChain := cs.mainChain.Contains(tip)
				cs.removeTipAt(i)
				if mainChain {
					cs.mainChain.setTip(effective)
				}
				modifyingMainChain = modifyingMainChain || mainChain
				continue
			}

			if tip.Ancestor(effective.height) == effective {
				// The replacement is already present on
				// another, equally good or better chain. If
				// that chain has more work it wins the
				// election below.
				alreadyContains = true
				if effective.workSum.Cmp(tip.workSum) < 0 {
					effective = tip
				}
			}
			i++
		}

		// At least one chain was dissolved, so add back the correct
		// tip.
		if modified && !alreadyContains {
			cs.tips = append(cs.tips, effective)
		}

		if valid {
			cs.tips = append(cs.tips, node)
			if cs.mainChain.Height() == -1 { // add genesis
				cs.mainChain.setTip(node)
				return true
			}
		}
	}

	// Strictly more work wins; an equal amount keeps the incumbent. The
	// election runs over the full tip set so that dissolving the main
	// chain hands the crown to the best surviving branch rather than to
	// the dissolved chain's stump.
	if cs.mainChain.tip.workSum.Cmp(effective.workSum) < 0 {
		cs.mainChain.setTip(effective)
		modifyingMainChain = true
	}
	for _, tip := range cs.tips {
		if cs.mainChain.tip.workSum.Cmp(tip.workSum) < 0 {
			cs.mainChain.setTip(tip)
			modifyingMainChain = true
		}
	}

	return modifyingMainChain
}
