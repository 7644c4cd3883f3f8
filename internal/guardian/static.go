package guardian

import (
	"context"
	"strings"
)

// StaticGuardian — локальный Guardian на правилах для dev-режима и тестов.
// Проверяет команды по запрещенным подстрокам; все остальное разрешает.
// НЕ замена реальному PDP: ни контекста, ни скоринга риска здесь нет.
type StaticGuardian struct {
	// DeniedAgents — агенты под полным запретом
	DeniedAgents map[string]struct{}
	// DeniedSubstrings — фрагменты команд, которые режутся всегда
	DeniedSubstrings []string
}

func NewStaticGuardian() *StaticGuardian {
	return &StaticGuardian{
		DeniedSubstrings: []string{
			"rm -rf /",
			"mkfs",
			":(){", // fork bomb
			"dd if=/dev/zero of=/dev/",
		},
	}
}

func (g *StaticGuardian) Validate(_ context.Context, req OperationRequest) (Decision, error) {
	if _, denied := g.DeniedAgents[req.AgentID]; denied {
		return Decision{
			Approved:  false,
			Reason:    "agent is on the deny list",
			RiskLevel: RiskCritical,
		}, nil
	}

	if req.Operation == OpCommandExecute {
		for _, frag := range g.DeniedSubstrings {
			if strings.Contains(req.Command, frag) {
				return Decision{
					Approved:  false,
					Reason:    "command matches denied pattern: " + frag,
					RiskLevel: RiskCritical,
				}, nil
			}
		}
	}

	return Decision{Approved: true, Reason: "static policy: allowed", RiskLevel: RiskLow}, nil
}
