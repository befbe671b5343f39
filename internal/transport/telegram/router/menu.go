package router

import (
	"sort"
	"strings"
	"unicode"

	kit "outagewatch/internal/transport"
)

// sanitizeTelegramCommand converts a route or alias into a Telegram bot
// command name. Telegram only accepts [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))

	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return ""
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

// telegramCommandNameFromRoute joins route tokens with '_', e.g.
// ["status","all"] -> "status_all".
func telegramCommandNameFromRoute(route []string) (string, bool) {
	out := sanitizeTelegramCommand(strings.Join(route, "_"))
	return out, out != ""
}

// buildTelegramMenuCommands lists every runnable command, shortest route
// first. Owner-only commands are marked with a lock.
func buildTelegramMenuCommands(root *cmdNode) []kit.BotCommand {
	type entry struct {
		depth int
		cmd   kit.BotCommand
	}
	var entries []entry
	seen := map[string]bool{}

	var walk func(n *cmdNode, path []string)
	walk = func(n *cmdNode, path []string) {
		if n.cmd != nil {
			if name, ok := telegramCommandNameFromRoute(path); ok && !seen[name] {
				seen[name] = true
				desc := strings.ReplaceAll(strings.TrimSpace(n.cmd.Description), "\n", " ")
				if desc == "" {
					desc = strings.Join(path, " ")
				}
				if n.cmd.Access == AccessOwnerOnly {
					desc = "🔒 " + desc
				}
				entries = append(entries, entry{depth: len(path), cmd: kit.BotCommand{Command: name, Description: desc}})
			}
		}
		for _, name := range n.childNames() {
			child, _ := n.child(name)
			walk(child, append(append([]string(nil), path...), name))
		}
	}
	walk(root, nil)

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].depth != entries[j].depth {
			return entries[i].depth < entries[j].depth
		}
		return entries[i].cmd.Command < entries[j].cmd.Command
	})

	out := make([]kit.BotCommand, 0, min(len(entries), 100))
	for _, e := range entries {
		out = append(out, e.cmd)
		if len(out) == 100 {
			break
		}
	}
	return out
}
