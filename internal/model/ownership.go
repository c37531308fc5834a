package model

import "strings"

const DefaultManagedBy = "reportgate"

func ManagedByValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return DefaultManagedBy
	}
	return trimmed
}

// AccessManagedTag marks Access applications owned by this tool.
func AccessManagedTag(value string) string {
	return "managed-by=" + ManagedByValue(value)
}

// DNSManagedComment marks DNS records owned by this tool.
func DNSManagedComment(value string) string {
	return "managed-by=" + ManagedByValue(value)
}
