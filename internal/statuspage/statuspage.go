// Package statuspage renders the published HTML status page and
// per-build results pages required by SPEC_FULL.md §6. No teacher file
// renders HTML (the teacher only ever serves JSON), so this package is
// grounded directly on that spec text; it deliberately stays on
// stdlib html/template rather than reaching for a corpus templating
// library, since none of the example repos render HTML either — see
// DESIGN.md for the justification this stdlib use requires.
package statuspage

import (
	"html/template"
	"io"
	"sort"
	"time"

	"github.com/verygreen/lustretester/internal/workitem"
)

const statusPageTemplate = `<!DOCTYPE html>
<html>
<head><title>CI Status</title></head>
<body>
<h1>In-flight builds</h1>
<table border="1" cellpadding="4">
<tr><th>Build</th><th>Branch</th><th>Subject</th><th>Build</th><th>Initial</th><th>Comprehensive</th></tr>
{{range .InFlight}}
<tr>
<td><a href="/build/{{.BuildNr}}">{{.BuildNr}}</a></td>
<td>{{.Change.Branch}}</td>
<td>{{.Change.CommitMessage}}</td>
<td>{{if .BuildDone}}{{if .BuildError}}FAILED{{else}}OK{{end}}{{else}}running{{end}}</td>
<td>{{if .InitialTestingDone}}{{if .InitialTestingError}}FAILED{{else}}OK{{end}}{{else if .InitialTestingStarted}}running{{else}}queued{{end}}</td>
<td>{{if .TestingDone}}{{if .TestingError}}FAILED{{else}}OK{{end}}{{else if .TestingStarted}}running{{else}}queued{{end}}</td>
</tr>
{{end}}
</table>
<h1>Last {{len .Done}} completed</h1>
<table border="1" cellpadding="4">
<tr><th>Build</th><th>Branch</th><th>Subject</th><th>Result</th></tr>
{{range .Done}}
<tr>
<td><a href="/build/{{.BuildNr}}">{{.BuildNr}}</a></td>
<td>{{.Change.Branch}}</td>
<td>{{.Change.CommitMessage}}</td>
<td>{{if .Aborted}}ABORTED{{else if .BuildError}}BUILD FAILED{{else if .InitialTestingError}}INITIAL TESTS FAILED{{else if .TestingError}}TESTS FAILED{{else}}PASSED{{end}}</td>
</tr>
{{end}}
</table>
<p>Rendered {{.RenderedAt}}</p>
</body>
</html>
`

const buildPageTemplate = `<!DOCTYPE html>
<html>
<head><title>Build {{.Item.BuildNr}}</title></head>
<body>
<h1>Build {{.Item.BuildNr}} - {{.Item.Change.Branch}}</h1>
<p>{{.Item.Change.CommitMessage}}</p>

<h2>Builds</h2>
<table border="1" cellpadding="4">
<tr><th>Distro</th><th>Status</th><th>Message</th></tr>
{{range $distro, $rec := .Item.BuildRecords}}
<tr><td>{{$distro}}</td><td>{{if not $rec.Finished}}running{{else if $rec.TimedOut}}TIMEOUT{{else if $rec.Failed}}FAILED{{else}}OK{{end}}</td><td>{{$rec.Message}}</td></tr>
{{end}}
</table>

<h2>Initial tests</h2>
{{template "testtable" .Item.InitialTests}}

<h2>Comprehensive tests</h2>
{{template "testtable" .Item.ComprehensiveTests}}

<p>Rendered {{.RenderedAt}}</p>
</body>
</html>
{{define "testtable"}}
<table border="1" cellpadding="4">
<tr><th>Test</th><th>FS</th><th>Status</th><th>New failures</th></tr>
{{range .}}
<tr>
<td>{{.DisplayName}}</td>
<td>{{.FSType}}</td>
<td>{{if .Skipped}}skipped{{else if not .Finished}}{{if .ResultsDir}}running{{else}}queued{{end}}{{else if .Crashed}}CRASHED{{else if .TimedOut}}TIMEOUT{{else if .Failed}}FAILED{{else}}OK{{end}}</td>
<td>{{range .NewFailures}}{{.}} {{end}}</td>
</tr>
{{end}}
</table>
{{end}}
`

var (
	statusTmpl = template.Must(template.New("status").Parse(statusPageTemplate))
	buildTmpl  = template.Must(template.New("build").Parse(buildPageTemplate))
)

// statusData is the render model for the top-level status page.
type statusData struct {
	InFlight   []*workitem.Item
	Done       []*workitem.Item
	RenderedAt time.Time
}

// buildData is the render model for one build's results page.
type buildData struct {
	Item       *workitem.Item
	RenderedAt time.Time
}

// RenderStatus writes the top-level status page listing every
// in-flight item (newest first) and the most recently completed ones.
func RenderStatus(w io.Writer, inFlight, done []*workitem.Item) error {
	sorted := append([]*workitem.Item(nil), inFlight...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BuildNr > sorted[j].BuildNr })
	return statusTmpl.Execute(w, statusData{InFlight: sorted, Done: done, RenderedAt: time.Now()})
}

// RenderBuild writes the detailed per-build results page.
func RenderBuild(w io.Writer, item *workitem.Item) error {
	return buildTmpl.Execute(w, buildData{Item: item, RenderedAt: time.Now()})
}
