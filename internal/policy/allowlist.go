package policy

import (
	"strconv"
	"strings"

	"github.com/AsyncNomad/wsPrism/internal/wserr"
)

// ExtRule is one compiled Ext Lane allowlist entry ("svc:type" or "svc:*").
type ExtRule struct {
	Svc     string
	MsgType string // "" means wildcard
}

// HotRule is one compiled Hot Lane allowlist entry ("svc_id:opcode" or
// "svc_id:*").
type HotRule struct {
	SvcID  uint8
	Opcode int // -1 means wildcard
}

func compileExtRules(raw []string) ([]ExtRule, error) {
	rules := make([]ExtRule, 0, len(raw))
	for _, s := range raw {
		svc, ty, ok := strings.Cut(s, ":")
		if !ok {
			return nil, wserr.Newf(wserr.BadRequest, "invalid ext_allowlist entry: %s (expected svc:type)", s)
		}
		if ty == "*" {
			ty = ""
		}
		rules = append(rules, ExtRule{Svc: svc, MsgType: ty})
	}
	return rules, nil
}

func compileHotRules(raw []string) ([]HotRule, error) {
	rules := make([]HotRule, 0, len(raw))
	for _, s := range raw {
		svcIDStr, opStr, ok := strings.Cut(s, ":")
		if !ok {
			return nil, wserr.Newf(wserr.BadRequest, "invalid hot_allowlist entry: %s (expected svc_id:opcode)", s)
		}
		svcID, err := strconv.ParseUint(svcIDStr, 10, 8)
		if err != nil {
			return nil, wserr.Newf(wserr.BadRequest, "invalid hot_allowlist svc_id: %s", svcIDStr)
		}
		opcode := -1
		if opStr != "*" {
			op, err := strconv.ParseUint(opStr, 10, 8)
			if err != nil {
				return nil, wserr.Newf(wserr.BadRequest, "invalid hot_allowlist opcode: %s", opStr)
			}
			opcode = int(op)
		}
		rules = append(rules, HotRule{SvcID: uint8(svcID), Opcode: opcode})
	}
	return rules, nil
}

func isExtAllowed(rules []ExtRule, svc, msgType string) bool {
	for _, r := range rules {
		if r.Svc != svc {
			continue
		}
		if r.MsgType == "" || r.MsgType == msgType {
			return true
		}
	}
	return false
}

func isHotAllowed(rules []HotRule, svcID, opcode uint8) bool {
	for _, r := range rules {
		if r.SvcID != svcID {
			continue
		}
		if r.Opcode == -1 || r.Opcode == int(opcode) {
			return true
		}
	}
	return false
}
