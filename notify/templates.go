package notify

import (
	"html/template"
	"strings"

	"freedrop/pkg/giveaway"
)

var digestTemplate = template.Must(template.New("digest").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<style>
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px; }
.giveaway { margin-bottom: 24px; padding-bottom: 24px; border-bottom: 2px solid #27ae60; }
.giveaway:last-of-type { border-bottom: none; }
.worth { color: #27ae60; font-weight: 600; }
.platform { color: #7f8c8d; font-size: 0.9em; }
img { max-width: 100%; height: auto; }
a { color: #27ae60; }
</style>
</head>
<body>
{{range .}}<div class="giveaway">
{{if .Thumbnail}}<img src="{{.Thumbnail}}" alt="{{.Title}}">
{{end}}<h2><a href="{{.URL}}">{{.Title}}</a></h2>
<p><span class="worth">{{.DisplayWorth}}</span> <span class="platform">Platform: {{.Platforms}}</span></p>
{{if .Description}}<p>{{.Description}}</p>
{{end}}</div>
{{end}}</body>
</html>
`))

// renderDigest builds the HTML body delivered for a batch of new listings.
func renderDigest(items []giveaway.Listing) (string, error) {
	ptrs := make([]*giveaway.Listing, len(items))
	for i := range items {
		ptrs[i] = &items[i]
	}

	var b strings.Builder
	if err := digestTemplate.Execute(&b, ptrs); err != nil {
		return "", err
	}
	return b.String(), nil
}
