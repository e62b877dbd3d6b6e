package source

import "strings"

// FileClass is the parser variant a source key maps to.
type FileClass string

const (
	ClassStandby     FileClass = "STANDBY"
	ClassFastpassNew FileClass = "FASTPASS_NEW"
	ClassFastpassOld FileClass = "FASTPASS_OLD"
	ClassUnknown     FileClass = "UNKNOWN"
)

// Classify maps a source key to its file class. Standby keys live under
// the wait_times prefixes; fastpass keys split into legacy and current by
// dated filename fragments. Unknown keys are logged and skipped upstream,
// never counted as failures.
func (r *Registry) Classify(key string) FileClass {
	lower := strings.ToLower(key)
	switch {
	case strings.Contains(lower, "wait_times"):
		return ClassStandby
	case strings.Contains(lower, "fastpass_times"):
		for _, pat := range r.LegacyPatterns {
			if strings.Contains(lower, strings.ToLower(pat)) {
				return ClassFastpassOld
			}
		}
		return ClassFastpassNew
	}
	return ClassUnknown
}
