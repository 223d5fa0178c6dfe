// Package export serializes a canvas's annotations into a W3C-style
// annotation page for download. Tombstoned replies are excluded; rectangle
// selectors become media-fragment targets, other shapes become SVG selectors.
package export

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rsimon/liiive/internal/model"
)

// AnnotationPage is the downloadable interchange document for one canvas.
type AnnotationPage struct {
	Type  string       `json:"type"`
	Items []Annotation `json:"items"`
}

// Annotation is one exported annotation.
type Annotation struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Motivation string      `json:"motivation"`
	Body       []Body      `json:"body"`
	Target     interface{} `json:"target"`
}

// Body is one exported comment or reply.
type Body struct {
	Type    string     `json:"type"`
	Purpose string     `json:"purpose,omitempty"`
	Value   string     `json:"value,omitempty"`
	Creator string     `json:"creator,omitempty"`
	Created *time.Time `json:"created,omitempty"`
}

// SpecificResource wraps a non-rectangular selector.
type SpecificResource struct {
	Type     string      `json:"type"`
	Source   string      `json:"source"`
	Selector SVGSelector `json:"selector"`
}

// SVGSelector carries a shape as an SVG fragment.
type SVGSelector struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// CanvasPage builds the annotation page for one canvas.
func CanvasPage(canvasID string, annotations []model.Annotation) AnnotationPage {
	items := make([]Annotation, 0, len(annotations))
	for _, a := range annotations {
		items = append(items, toExported(canvasID, a))
	}
	return AnnotationPage{Type: "AnnotationPage", Items: items}
}

func toExported(canvasID string, a model.Annotation) Annotation {
	active := a.ActiveBodies()
	bodies := make([]Body, 0, len(active))
	for _, b := range active {
		bodies = append(bodies, toExportedBody(b))
	}
	return Annotation{
		ID:         annotationURI(canvasID, a.ID),
		Type:       "Annotation",
		Motivation: "commenting",
		Body:       bodies,
		Target:     toExportedTarget(canvasID, a.Target),
	}
}

func annotationURI(canvasID, annotationID string) string {
	if strings.HasSuffix(canvasID, "/") {
		return canvasID + annotationID
	}
	return canvasID + "/" + annotationID
}

func toExportedBody(b model.Body) Body {
	body := Body{
		Type:    "TextualBody",
		Purpose: string(b.Purpose),
		Value:   b.Value,
		Creator: b.Creator.Name,
	}
	if !b.Created.IsZero() {
		created := b.Created
		body.Created = &created
	}
	return body
}

// shape is the subset of the drawing tool's selector payload the exporter
// understands. Unknown shapes fall back to the canvas id alone.
type shape struct {
	Type   string       `json:"type"`
	X      float64      `json:"x"`
	Y      float64      `json:"y"`
	W      float64      `json:"w"`
	H      float64      `json:"h"`
	CX     float64      `json:"cx"`
	CY     float64      `json:"cy"`
	RX     float64      `json:"rx"`
	RY     float64      `json:"ry"`
	Points [][2]float64 `json:"points"`
}

func toExportedTarget(canvasID string, t model.Target) interface{} {
	var s shape
	if err := json.Unmarshal(t.Selector, &s); err != nil {
		return canvasID
	}

	switch s.Type {
	case "rect", "RECTANGLE":
		return fmt.Sprintf("%s#xywh=%d,%d,%d,%d",
			canvasID, round(s.X), round(s.Y), round(s.W), round(s.H))

	case "polygon", "POLYGON":
		points := make([]string, 0, len(s.Points))
		for _, p := range s.Points {
			points = append(points, fmt.Sprintf("%d,%d", round(p[0]), round(p[1])))
		}
		return SpecificResource{
			Type:   "SpecificResource",
			Source: canvasID,
			Selector: SVGSelector{
				Type:  "SvgSelector",
				Value: fmt.Sprintf(`<svg><polygon points="%s" /></svg>`, strings.Join(points, " ")),
			},
		}

	case "ellipse", "ELLIPSE":
		return SpecificResource{
			Type:   "SpecificResource",
			Source: canvasID,
			Selector: SVGSelector{
				Type:  "SvgSelector",
				Value: fmt.Sprintf(`<svg><ellipse cx="%d" cy="%d" rx="%d" ry="%d" /></svg>`,
					round(s.CX), round(s.CY), round(s.RX), round(s.RY)),
			},
		}

	default:
		return canvasID
	}
}

func round(f float64) int {
	return int(math.Round(f))
}
