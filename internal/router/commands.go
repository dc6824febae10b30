package router

import (
	"strings"

	"github.com/pynchy/pynchy/internal/config"
)

// CommandKind classifies an intercepted magic command.
type CommandKind int

const (
	CmdNone CommandKind = iota
	CmdReset
	CmdEndSession
	CmdRedeploy
	CmdApprove
	CmdDeny
)

// Command is one parsed magic command.
type Command struct {
	Kind    CommandKind
	ShortID string // approve/deny argument
}

// ParseCommand recognizes the whole-message command grammar:
// case-insensitive, trailing "!" and "." ignored, single-word aliases,
// verb+noun pairs in either order, and approve/deny with a short id.
func ParseCommand(cfg config.CommandsConfig, text string) Command {
	msg := strings.ToLower(strings.TrimSpace(text))
	msg = strings.TrimRight(msg, "!.")
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return Command{}
	}

	fields := strings.Fields(msg)
	if len(fields) == 2 {
		switch fields[0] {
		case "approve":
			return Command{Kind: CmdApprove, ShortID: fields[1]}
		case "deny":
			return Command{Kind: CmdDeny, ShortID: fields[1]}
		}
	}

	if containsFold(cfg.ResetAliases, msg) {
		return Command{Kind: CmdReset}
	}
	if containsFold(cfg.EndAliases, msg) {
		return Command{Kind: CmdEndSession}
	}
	if containsFold(cfg.RedeployAliases, msg) {
		return Command{Kind: CmdRedeploy}
	}

	if len(fields) == 2 {
		if pairMatch(cfg.ResetVerbs, cfg.ResetNouns, fields[0], fields[1]) {
			return Command{Kind: CmdReset}
		}
		if pairMatch(cfg.EndVerbs, cfg.EndNouns, fields[0], fields[1]) {
			return Command{Kind: CmdEndSession}
		}
	}
	return Command{}
}

// pairMatch accepts verb+noun in either order.
func pairMatch(verbs, nouns []string, a, b string) bool {
	return (containsFold(verbs, a) && containsFold(nouns, b)) ||
		(containsFold(verbs, b) && containsFold(nouns, a))
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
