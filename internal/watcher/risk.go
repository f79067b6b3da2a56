package watcher

import (
	"fmt"
	"path"
	"strings"
)

// RiskLevel grades how sensitive a changed file is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

var highRiskKeywords = []string{
	"auth",
	"security",
	"payment",
	"secret",
	"credential",
	"password",
	"token",
}

var mediumRiskKeywords = []string{
	"middleware",
	"api",
	"routes",
	"graphql",
	"webhook",
}

var sensitiveExtensions = map[string]bool{
	".env":      true,
	".pem":      true,
	".key":      true,
	".p12":      true,
	".pfx":      true,
	".keystore": true,
	".jks":      true,
}

// ClassifyRisk grades a workspace-relative path by name heuristics. Low risk
// carries no reason.
func ClassifyRisk(rel string) (RiskLevel, string) {
	p := strings.ToLower(strings.ReplaceAll(rel, `\`, "/"))
	base := path.Base(p)

	if ext := sensitiveExtension(base); ext != "" {
		return RiskHigh, fmt.Sprintf("sensitive file type %s", ext)
	}

	segments := strings.Split(p, "/")
	if kw, seg := findKeyword(segments, highRiskKeywords); kw != "" {
		return RiskHigh, fmt.Sprintf("%s-related path (%s)", kw, seg)
	}
	if kw, seg := findKeyword(segments, mediumRiskKeywords); kw != "" {
		return RiskMedium, fmt.Sprintf("%s path (%s)", kw, seg)
	}
	return RiskLow, ""
}

// sensitiveExtension also catches dotenv variants such as .env.local.
func sensitiveExtension(base string) string {
	if base == ".env" || strings.HasPrefix(base, ".env.") {
		return ".env"
	}
	ext := path.Ext(base)
	if sensitiveExtensions[ext] {
		return ext
	}
	return ""
}

func findKeyword(segments, keywords []string) (string, string) {
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		stem := strings.TrimSuffix(seg, path.Ext(seg))
		for _, kw := range keywords {
			if matchesKeyword(seg, stem, kw) {
				return kw, seg
			}
		}
	}
	return "", ""
}

// Short keywords must match a whole segment; longer ones match inside it.
func matchesKeyword(seg, stem, kw string) bool {
	if seg == kw || stem == kw {
		return true
	}
	return len(kw) >= 4 && strings.Contains(stem, kw)
}
