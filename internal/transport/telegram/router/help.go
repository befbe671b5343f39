package router

import (
	"sort"
	"strings"
)

// helpText renders plain-text help: the command list for an empty path,
// or the details of one command.
func (m *CommandManager) helpText(path []string) string {
	m.mu.RLock()
	root := m.root
	alias := m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		return helpTop(root)
	}

	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		p = strings.ToLower(strings.TrimPrefix(p, "/"))
		n, ok := cur.child(p)
		if !ok {
			if leaf, ok := alias[p]; ok && leaf.cmd != nil {
				return helpCommand(*leaf.cmd)
			}
			return "❓ Невідома команда. Спробуйте /help"
		}
		cur = n
		full = append(full, p)
	}
	if cur.cmd == nil {
		return helpGroup(cur, full)
	}
	return helpCommand(*cur.cmd)
}

func helpTop(root *cmdNode) string {
	type row struct {
		usage string
		desc  string
		lock  bool
	}
	var rows []row
	var walk func(n *cmdNode, path []string)
	walk = func(n *cmdNode, path []string) {
		if n.cmd != nil {
			usage := strings.TrimSpace(n.cmd.Usage)
			if usage == "" {
				usage = "/" + strings.Join(path, " ")
			}
			rows = append(rows, row{usage: usage, desc: strings.TrimSpace(n.cmd.Description), lock: n.cmd.Access == AccessOwnerOnly})
		}
		for _, name := range n.childNames() {
			child, _ := n.child(name)
			walk(child, append(append([]string(nil), path...), name))
		}
	}
	walk(root, nil)

	// owner-only commands go last
	sort.SliceStable(rows, func(i, j int) bool { return !rows[i].lock && rows[j].lock })

	lines := []string{"📚 Команди:", ""}
	for _, r := range rows {
		line := r.usage
		if r.lock {
			line = "🔒 " + line
		}
		if r.desc != "" {
			line += " - " + r.desc
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func helpCommand(c Command) string {
	lines := []string{"📚 /" + strings.Join(splitRoute(c.Route), " ")}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, d)
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "🔒 Лише для власника")
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "Формат: "+u)
	}
	if len(c.Aliases) > 0 {
		short := make([]string, 0, len(c.Aliases))
		for _, a := range c.Aliases {
			short = append(short, "/"+a)
		}
		lines = append(lines, "Скорочення: "+strings.Join(short, ", "))
	}
	return strings.Join(lines, "\n")
}

func helpGroup(n *cmdNode, full []string) string {
	lines := []string{"📚 /" + strings.Join(full, " "), ""}
	for _, name := range n.childNames() {
		lines = append(lines, "/"+strings.Join(append(append([]string(nil), full...), name), " "))
	}
	return strings.Join(lines, "\n")
}
