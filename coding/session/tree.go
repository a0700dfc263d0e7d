package session

type TreeNode struct {
	Entry    Entry
	Children []*TreeNode
}

// GetTree returns the whole forest: one node per root in append order, each
// with its children in append order.
func (m *Manager) GetTree() []*TreeNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TreeNode, 0, len(m.roots))
	for _, id := range m.roots {
		out = append(out, m.subtree(id))
	}
	return out
}

func (m *Manager) subtree(rootID string) *TreeNode {
	root := &TreeNode{Entry: m.byID[rootID]}
	stack := []*TreeNode{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, childID := range m.children[node.Entry.Base().ID] {
			child := &TreeNode{Entry: m.byID[childID]}
			node.Children = append(node.Children, child)
			stack = append(stack, child)
		}
	}
	return root
}

// walk visits the forest depth first, children in append order.
func walk(nodes []*TreeNode, visit func(node *TreeNode, depth int)) {
	var descend func(*TreeNode, int)
	descend = func(n *TreeNode, depth int) {
		visit(n, depth)
		for _, child := range n.Children {
			descend(child, depth+1)
		}
	}
	for _, n := range nodes {
		descend(n, 0)
	}
}
