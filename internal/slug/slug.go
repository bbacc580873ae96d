// Package slug implements the canonical robot-name recovery procedure from
// spec.md §4.7: Kubernetes resource names carry generated prefixes and hash
// suffixes that must be stripped before a job/pod/cronjob can be matched
// back to its catalog robot.
package slug

import (
	"regexp"
	"strings"
)

// orderedPrefixes is checked in order; the first match is stripped.
var orderedPrefixes = []string{
	"rpa-cronjob-",
	"rpa-job-",
	"cronjob-",
	"job-",
	"rpa-",
}

// numericSuffix matches a purely numeric trailing suffix: the epoch
// timestamp Kubernetes appends to a Job spawned from a CronJob (e.g.
// "...-29387700"). Checked first and, when it matches, stripped alone:
// the preceding word may itself be hash-length, and only a digit-only
// tail unambiguously marks it as a timestamp rather than part of a
// double-hash suffix.
var numericSuffix = regexp.MustCompile(`-[0-9]+$`)

// doubleHashSuffix matches the two hash segments Kubernetes appends to a
// Deployment's pod names (ReplicaSet hash + pod hash, e.g.
// "...-7d9f8c6b5-x2vqp"). Stripped before singleHashSuffix below so a
// Deployment pod's name resolves to the same slug as its Deployment/Job.
var doubleHashSuffix = regexp.MustCompile(`-[a-z0-9]{4,10}-[a-z0-9]{4,10}$`)

// singleHashSuffix matches a single trailing hash or epoch-timestamp
// suffix (e.g. "...-29387700" on a Job spawned from a CronJob).
var singleHashSuffix = regexp.MustCompile(`-[a-z0-9]+$`)

// FromLabels prefers the label keys the cluster may have set directly on
// the resource, in the order spec.md §4.7 names them.
func FromLabels(labels map[string]string) (string, bool) {
	for _, key := range []string{"nome_robo", "nome-robo", "app"} {
		if v, ok := labels[key]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// FromName recovers the canonical slug from a bare Kubernetes resource name
// when no label is available, per the prefix/suffix-stripping procedure.
func FromName(name string) string {
	s := strings.ToLower(name)

	for _, prefix := range orderedPrefixes {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimPrefix(s, prefix)
			break
		}
	}

	if numericSuffix.MatchString(s) {
		return numericSuffix.ReplaceAllString(s, "")
	}

	s = doubleHashSuffix.ReplaceAllString(s, "")
	s = singleHashSuffix.ReplaceAllString(s, "")

	return s
}

// Resolve recovers the canonical slug for a resource, preferring labels
// over name-derived matching.
func Resolve(name string, labels map[string]string) string {
	if v, ok := FromLabels(labels); ok {
		return strings.ToLower(v)
	}
	return FromName(name)
}

// Normalize reduces a slug to the form used for equality comparison:
// lowercased, with `-` and `_` removed.
func Normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")
	return s
}

// Match reports whether two slugs refer to the same robot under the
// normalization rule. Reflexive, symmetric, and stable by construction.
func Match(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
