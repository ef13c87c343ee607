package ledger

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/mschirtzinger/tasksync/internal/task"
)

// Content is the part of a task that participates in change detection.
// Tags, status and subtasks are deliberately excluded.
type Content struct {
	Title       string
	Description string
	StartDate   *task.Date
	DueDate     *task.Date
}

// ContentOf extracts the digest-relevant fields of t.
func ContentOf(t *task.Task) Content {
	return Content{
		Title:       t.Title,
		Description: t.Description,
		StartDate:   t.StartDate,
		DueDate:     t.DueDate,
	}
}

var markupPattern = regexp.MustCompile(`<[^<>]*>`)

var entityReplacer = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&apos;", "'",
	"&amp;", "&",
)

// Sanitize strips markup from a task body so that two bodies that differ only
// in formatting produce the same digest.
func Sanitize(body string) string {
	body = markupPattern.ReplaceAllString(body, "")
	body = entityReplacer.Replace(body)
	body = strings.ReplaceAll(body, "\r\n", "\n")
	return strings.TrimSpace(body)
}

// canonical builds the string that is hashed: title, sanitized body, start
// date and due date, in that order, with dates as YYYY-MM-DD.
func canonical(c Content) string {
	var b strings.Builder
	b.WriteString(norm.NFC.String(c.Title))
	b.WriteString(norm.NFC.String(Sanitize(c.Description)))
	b.WriteString(task.FormatDate(c.StartDate))
	b.WriteString(task.FormatDate(c.DueDate))
	return b.String()
}

// Digest returns the hex MD5 content digest of c.
func Digest(c Content) string {
	sum := md5.Sum([]byte(canonical(c)))
	return hex.EncodeToString(sum[:])
}

// TaskDigest returns the content digest of a local task.
func TaskDigest(t *task.Task) string {
	return Digest(ContentOf(t))
}

// Route returns the routing key of a task or record carrying tags on a
// backend that routes by channelTags: the tags that name a channel, sorted
// and comma-joined. It is empty for backends without channels, so only
// content is compared there.
func Route(tags, channelTags []string) string {
	if len(channelTags) == 0 {
		return ""
	}
	var routed []string
	for _, tag := range tags {
		if slices.Contains(channelTags, tag) && !slices.Contains(routed, tag) {
			routed = append(routed, tag)
		}
	}
	slices.Sort(routed)
	return strings.Join(routed, ",")
}
