package pipeline

import (
	"regexp"
	"strings"
)

// URLKind classifies a discovered catalog URL.
type URLKind string

// Discovered URL kinds.
const (
	URLCoursePage  URLKind = "course_page"
	URLSyllabusPDF URLKind = "syllabus_pdf"
	URLSyllabusWeb URLKind = "syllabus_web"
	URLIgnored     URLKind = "ignored"
)

var (
	courseCodeRe = regexp.MustCompile(`([A-Z]{3}[0-9]{3})`)
	pdfCourseRe  = regexp.MustCompile(`/pdf/kurs/([A-Za-z]{3}[0-9]{3})`)
)

// CourseCode extracts the catalog course code from a URL or artifact path,
// or "" if none is present.
func CourseCode(s string) string {
	if m := pdfCourseRe.FindStringSubmatch(s); m != nil {
		return strings.ToUpper(m[1])
	}
	if m := courseCodeRe.FindStringSubmatch(strings.ToUpper(s)); m != nil {
		return m[1]
	}
	return ""
}

// ClassifyURL buckets a discovered link: PDF syllabi go to the download
// phase, course and syllabus web pages to the extraction phase, everything
// else is ignored. Reading-list links look like syllabus links but carry no
// course content.
func ClassifyURL(url string) URLKind {
	lower := strings.ToLower(url)
	switch {
	case strings.Contains(lower, "/reading-list"), strings.Contains(lower, "litteraturlista"):
		return URLIgnored
	case strings.Contains(lower, "/pdf/kurs/"):
		return URLSyllabusPDF
	case strings.Contains(lower, "/syllabus"):
		return URLSyllabusWeb
	case strings.Contains(lower, "/study-gothenburg/") && CourseCode(url) != "":
		return URLCoursePage
	default:
		return URLIgnored
	}
}

// NormalizeURL trims fragments and trailing slashes so the (phase, sourceKey)
// uniqueness constraint deduplicates trivially different links.
func NormalizeURL(url string) string {
	if i := strings.IndexByte(url, '#'); i >= 0 {
		url = url[:i]
	}
	url = strings.TrimRight(url, "/")
	return strings.TrimSpace(url)
}
