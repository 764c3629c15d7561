package bot

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"svitlobot/internal/outage"
)

var ErrUploadFormat = errors.New("upload format")

// Upload is a parsed admin schedule upload: every window of one company for one date.
type Upload struct {
	Company string
	Date    string // YYYY-MM-DD
	Windows []outage.Window
}

// Queues returns the distinct queues present in the upload, sorted.
func (u Upload) Queues() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, w := range u.Windows {
		if _, ok := seen[w.Queue]; ok {
			continue
		}
		seen[w.Queue] = struct{}{}
		out = append(out, w.Queue)
	}
	sort.Strings(out)
	return out
}

// UploadError points at the offending line (1-based, header is line 1).
type UploadError struct {
	Line int
	Msg  string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

func (e *UploadError) Unwrap() error { return ErrUploadFormat }

var (
	queueRe = regexp.MustCompile(`^\d+(\.\d+)?$`)
	rangeRe = regexp.MustCompile(`^(\d{1,2}:\d{2})\s*[-–—]\s*(\d{1,2}:\d{2})$`)
)

// UploadRules restricts accepted companies and queues. Empty lists accept anything well-formed.
type UploadRules struct {
	Companies []string
	Queues    []string
}

// ParseUpload parses
//
//	<COMPANY> <DD.MM.YYYY>
//	<queue> HH:MM-HH:MM[, HH:MM-HH:MM...]
//
// Blank lines are ignored. Any other deviation rejects the whole upload.
func ParseUpload(text string, rules UploadRules) (Upload, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	hdr := -1
	for i, l := range lines {
		if strings.TrimSpace(l) != "" {
			hdr = i
			break
		}
	}
	if hdr < 0 {
		return Upload{}, &UploadError{Line: 1, Msg: "empty upload"}
	}
	fields := strings.Fields(lines[hdr])
	if len(fields) != 2 {
		return Upload{}, &UploadError{Line: hdr + 1, Msg: "header must be <COMPANY> <DD.MM.YYYY>"}
	}
	company := strings.ToUpper(fields[0])
	if !allowed(company, rules.Companies) {
		return Upload{}, &UploadError{Line: hdr + 1, Msg: fmt.Sprintf("unknown company %q", fields[0])}
	}
	d, err := time.Parse("02.01.2006", fields[1])
	if err != nil {
		return Upload{}, &UploadError{Line: hdr + 1, Msg: fmt.Sprintf("bad date %q", fields[1])}
	}
	up := Upload{Company: company, Date: d.Format("2006-01-02")}

	for i := hdr + 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		n := i + 1
		queue, rest, ok := strings.Cut(line, " ")
		if !ok || strings.TrimSpace(rest) == "" {
			return Upload{}, &UploadError{Line: n, Msg: "expected <queue> HH:MM-HH:MM"}
		}
		if !queueRe.MatchString(queue) || !allowed(queue, rules.Queues) {
			return Upload{}, &UploadError{Line: n, Msg: fmt.Sprintf("unknown queue %q", queue)}
		}
		for _, r := range strings.Split(rest, ",") {
			m := rangeRe.FindStringSubmatch(strings.TrimSpace(r))
			if m == nil {
				return Upload{}, &UploadError{Line: n, Msg: fmt.Sprintf("bad range %q", strings.TrimSpace(r))}
			}
			off, on := padClock(m[1]), padClock(m[2])
			if _, _, err := outage.ParseClock(off); err != nil {
				return Upload{}, &UploadError{Line: n, Msg: err.Error()}
			}
			if _, _, err := outage.ParseClock(on); err != nil {
				return Upload{}, &UploadError{Line: n, Msg: err.Error()}
			}
			if on <= off {
				return Upload{}, &UploadError{Line: n, Msg: fmt.Sprintf("range %s-%s ends before it starts", off, on)}
			}
			up.Windows = append(up.Windows, outage.Window{
				Company: company,
				Queue:   queue,
				Date:    up.Date,
				OffTime: off,
				OnTime:  on,
			})
		}
	}
	if len(up.Windows) == 0 {
		return Upload{}, &UploadError{Line: hdr + 2, Msg: "no outage windows"}
	}
	return up, nil
}

// padClock turns "7:00" into "07:00" so clock strings compare lexically.
func padClock(s string) string {
	if len(s) == 4 {
		return "0" + s
	}
	return s
}

func allowed(v string, list []string) bool {
	if len(list) == 0 {
		return true
	}
	for _, x := range list {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}
