// Package shape holds the drawable records replicated between participants.
// The sync core only relies on ID and Clone; the geometry is carried for the
// renderer and for persistence.
package shape

import (
	"github.com/google/uuid"
	"github.com/samber/lo"
)

type Type string

const (
	Circle    Type = "CIRCLE_SHAPE"
	Rectangle Type = "RECTANGLE_SHAPE"
	Path      Type = "PATH_SHAPE"
	Triangle  Type = "TRIANGLE_SHAPE"
	Text      Type = "TEXT_SHAPE"
	Line      Type = "LINE_SHAPE"
	Oval      Type = "OVAL_SHAPE"
)

const (
	DefaultColor       = "#000000"
	DefaultStrokeWidth = 2.0
	DefaultFontName    = "SansSerif"
	DefaultFontSize    = 16
)

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type Shape struct {
	ID          string  `json:"id" validate:"required,max=128"`
	TypeID      Type    `json:"typeId" validate:"required,oneof=CIRCLE_SHAPE RECTANGLE_SHAPE PATH_SHAPE TRIANGLE_SHAPE TEXT_SHAPE LINE_SHAPE OVAL_SHAPE"`
	Color       string  `json:"color" validate:"omitempty,hexcolor"`
	Fill        string  `json:"fill,omitempty" validate:"omitempty,hexcolor"`
	StrokeWidth float64 `json:"strokeWidth" validate:"gte=0"`

	X          int     `json:"x,omitempty"`
	Y          int     `json:"y,omitempty"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	Radius     int     `json:"radius,omitempty"`
	HalfWidth  int     `json:"halfWidth,omitempty"`
	HalfHeight int     `json:"halfHeight,omitempty"`
	X1         int     `json:"x1,omitempty"`
	Y1         int     `json:"y1,omitempty"`
	X2         int     `json:"x2,omitempty"`
	Y2         int     `json:"y2,omitempty"`
	Points     []Point `json:"points,omitempty"`
	Text       string  `json:"text,omitempty"`
	FontName   string  `json:"fontName,omitempty"`
	FontSize   int     `json:"fontSize,omitempty"`
	FontStyle  int     `json:"fontStyle,omitempty"`
}

func NewID() string {
	return uuid.NewString()
}

func base(t Type) Shape {
	return Shape{
		ID:          NewID(),
		TypeID:      t,
		Color:       DefaultColor,
		StrokeWidth: DefaultStrokeWidth,
	}
}

func NewRectangle(x, y, width, height int) Shape {
	s := base(Rectangle)
	s.X, s.Y, s.Width, s.Height = x, y, width, height
	return s
}

func NewCircle(x, y, radius int) Shape {
	s := base(Circle)
	s.X, s.Y, s.Radius = x, y, radius
	return s
}

func NewOval(x, y, halfWidth, halfHeight int) Shape {
	s := base(Oval)
	s.X, s.Y, s.HalfWidth, s.HalfHeight = x, y, halfWidth, halfHeight
	return s
}

func NewLine(x1, y1, x2, y2 int) Shape {
	s := base(Line)
	s.X1, s.Y1, s.X2, s.Y2 = x1, y1, x2, y2
	return s
}

func NewText(x, y int, text string) Shape {
	s := base(Text)
	s.X, s.Y, s.Text = x, y, text
	s.FontName = DefaultFontName
	s.FontSize = DefaultFontSize
	return s
}

func NewPath(points ...Point) Shape {
	s := base(Path)
	s.Points = append([]Point(nil), points...)
	return s
}

func NewTriangle(p1, p2, p3 Point) Shape {
	s := base(Triangle)
	s.Points = []Point{p1, p2, p3}
	return s
}

// Clone returns a deep copy; the copy shares no memory with s.
func (s Shape) Clone() Shape {
	c := s
	if s.Points != nil {
		c.Points = append([]Point(nil), s.Points...)
	}
	return c
}

// Move translates the shape in place.
func (s *Shape) Move(dx, dy int) {
	s.X += dx
	s.Y += dy
	s.X1 += dx
	s.Y1 += dy
	s.X2 += dx
	s.Y2 += dy
	for i := range s.Points {
		s.Points[i].X += dx
		s.Points[i].Y += dy
	}
}

func CloneAll(items []Shape) []Shape {
	return lo.Map(items, func(s Shape, _ int) Shape { return s.Clone() })
}

func IDs(items []Shape) []string {
	return lo.Map(items, func(s Shape, _ int) string { return s.ID })
}

func IndexOf(items []Shape, id string) int {
	_, idx, ok := lo.FindIndexOf(items, func(s Shape) bool { return s.ID == id })
	if !ok {
		return -1
	}
	return idx
}
