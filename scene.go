package rasterstream

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
)

// ObjectStatus is the review status of a scene object.
type ObjectStatus int

const (
	// StatusMissing marks objects whose image file does not exist. They never fetch.
	StatusMissing ObjectStatus = iota
	StatusAvailable
	StatusSelected
)

func (s ObjectStatus) String() string {
	switch s {
	case StatusMissing:
		return "missing"
	case StatusAvailable:
		return "available"
	case StatusSelected:
		return "selected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Visualization selects which representation of an object is shown.
type Visualization int

const (
	// VisNone hides the object.
	VisNone Visualization = iota
	// VisPoint shows the marker.
	VisPoint
	// VisImage shows the thumbnail.
	VisImage
)

func (v Visualization) String() string {
	switch v {
	case VisPoint:
		return "point"
	case VisImage:
		return "image"
	default:
		return "none"
	}
}

// ThumbnailRequester issues thumbnail fetches. *FetchPool implements it.
// The scene calls it with its lock held, so it must not call back into the scene.
type ThumbnailRequester interface {
	Request(FetchRequest) FetchToken
	Forget(objectID string)
}

// ObjectSpec describes an object added to a scene.
type ObjectSpec struct {
	ID   string
	Path string
	// Position is the object center in world units.
	Position orb.Point
	// Radius is half the edge length of the image footprint in world units.
	Radius   float64
	Status   ObjectStatus
	Crop     *PixelRect
	Rotation float64
}

// ObjectState is a snapshot of an object.
type ObjectState struct {
	ID       string
	Path     string
	Position orb.Point
	Radius   float64
	Rotation float64
	Status   ObjectStatus
	Shown    Visualization
	// Image is the last delivered thumbnail, nil until one arrived.
	Image *image.RGBA
	// Enhancement of Image.
	Enhancement Enhancement
}

// markerEpsilon is the extent given to objects without footprint in the index.
const markerEpsilon = 1e-6

type thumbParams struct {
	enhancement Enhancement
	rotation    float64
	crop        PixelRect
	hasCrop     bool
	width       int
}

// marker is the point representation of an object.
type marker struct {
	visible bool
}

// picture is the image representation of an object.
type picture struct {
	visible   bool
	img       *image.RGBA
	loaded    thumbParams
	hasLoaded bool
	requested thumbParams
	// token of the pending request. Only its result is applied.
	token   FetchToken
	pending bool
}

// object owns both representations and keeps exactly one of them visible.
type object struct {
	id       string
	path     string
	pos      orb.Point
	radius   float64
	rotation float64
	crop     *PixelRect
	status   ObjectStatus

	marker  marker
	picture picture
}

// Bounds implements rtreego.Spatial.
func (o *object) Bounds() rtreego.Rect {
	r := max(o.radius, markerEpsilon)
	rect, _ := rtreego.NewRect(rtreego.Point{o.pos[0] - r, o.pos[1] - r}, []float64{2 * r, 2 * r})
	return rect
}

func (o *object) footprint() orb.Bound {
	r := max(o.radius, markerEpsilon)
	return orb.Bound{Min: orb.Point{o.pos[0] - r, o.pos[1] - r}, Max: orb.Point{o.pos[0] + r, o.pos[1] + r}}
}

func (o *object) shown() Visualization {
	switch {
	case o.picture.visible:
		return VisImage
	case o.marker.visible:
		return VisPoint
	default:
		return VisNone
	}
}

func (o *object) show(v Visualization) {
	if v == VisImage && o.status == StatusMissing {
		v = VisPoint
	}
	o.marker.visible = v == VisPoint
	o.picture.visible = v == VisImage
}

func (o *object) state() ObjectState {
	return ObjectState{
		ID:          o.id,
		Path:        o.path,
		Position:    o.pos,
		Radius:      o.radius,
		Rotation:    o.rotation,
		Status:      o.status,
		Shown:       o.shown(),
		Image:       o.picture.img,
		Enhancement: o.picture.loaded.enhancement,
	}
}

// Scene owns the objects shown over a raster and requests their thumbnails
// while they are visible.
type Scene struct {
	requester ThumbnailRequester
	onRepaint func(objectID string)
	width     int
	log       *slog.Logger

	mu          sync.Mutex
	objects     map[string]*object
	tree        *rtreego.Rtree
	viewport    orb.Bound
	hasViewport bool
	enhancement Enhancement
	byStatus    map[ObjectStatus]Visualization
}

// NewScene creates an empty scene. onRepaint, if set, is called after a
// thumbnail was delivered to an object.
func NewScene(requester ThumbnailRequester, onRepaint func(objectID string), opts Options) *Scene {
	opts = opts.normalized()
	return &Scene{
		requester: requester,
		onRepaint: onRepaint,
		width:     opts.ThumbnailWidth,
		log:       opts.Logger,
		objects:   make(map[string]*object),
		tree:      rtreego.NewTree(2, 25, 50),
		byStatus: map[ObjectStatus]Visualization{
			StatusMissing:   VisPoint,
			StatusAvailable: VisImage,
			StatusSelected:  VisImage,
		},
	}
}

// AddObject adds an object. Objects whose file does not exist are marked missing.
func (s *Scene) AddObject(spec ObjectSpec) error {
	if spec.ID == "" {
		return errors.New("object without ID")
	}
	o := &object{
		id:       spec.ID,
		path:     spec.Path,
		pos:      spec.Position,
		radius:   spec.Radius,
		rotation: spec.Rotation,
		crop:     spec.Crop,
		status:   spec.Status,
	}
	if _, err := os.Stat(spec.Path); err != nil {
		o.status = StatusMissing
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[spec.ID]; ok {
		return fmt.Errorf("duplicate object %q", spec.ID)
	}
	s.objects[o.id] = o
	s.tree.Insert(o)
	o.show(s.byStatus[o.status])
	s.collect([]*object{o})
	return nil
}

// Object returns a snapshot of one object.
func (s *Scene) Object(id string) (ObjectState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	if !ok {
		return ObjectState{}, false
	}
	return o.state(), true
}

// Len returns the number of objects.
func (s *Scene) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// MoveObject moves an object and re-indexes it.
func (s *Scene) MoveObject(id string, pos orb.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	if !ok {
		return fmt.Errorf("unknown object %q", id)
	}
	s.tree.Delete(o)
	o.pos = pos
	s.tree.Insert(o)
	s.collect([]*object{o})
	return nil
}

// SetRotation rotates the image of an object.
func (s *Scene) SetRotation(id string, deg float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	if !ok {
		return fmt.Errorf("unknown object %q", id)
	}
	o.rotation = deg
	s.collect([]*object{o})
	return nil
}

// SetStatus changes the status of an object. Missing objects stay missing.
func (s *Scene) SetStatus(id string, status ObjectStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	if !ok {
		return fmt.Errorf("unknown object %q", id)
	}
	if o.status == StatusMissing || status == StatusMissing {
		return fmt.Errorf("cannot change status of %q from %s to %s", id, o.status, status)
	}
	o.status = status
	s.show(o, s.byStatus[status])
	s.collect([]*object{o})
	return nil
}

// ObjectsIn returns the objects whose footprint intersects b, ordered by ID.
func (s *Scene) ObjectsIn(b orb.Bound) []ObjectState {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := s.search(b)
	out := make([]ObjectState, len(found))
	for i, o := range found {
		out[i] = o.state()
	}
	return out
}

func (s *Scene) search(b orb.Bound) []*object {
	w := max(b.Max[0]-b.Min[0], markerEpsilon)
	h := max(b.Max[1]-b.Min[1], markerEpsilon)
	rect, err := rtreego.NewRect(rtreego.Point{b.Min[0], b.Min[1]}, []float64{w, h})
	if err != nil {
		return nil
	}
	spatials := s.tree.SearchIntersect(rect)
	out := make([]*object, 0, len(spatials))
	for _, sp := range spatials {
		out = append(out, sp.(*object))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// SetViewport records the visible world rectangle and requests thumbnails of
// visible image objects whose loaded parameters are outdated.
func (s *Scene) SetViewport(b orb.Bound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewport = b
	s.hasViewport = true
	s.collect(s.search(b))
}

// SetEnhancement changes the enhancement of every thumbnail.
func (s *Scene) SetEnhancement(e Enhancement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enhancement = e
	s.refresh()
}

// Enhancement returns the current thumbnail enhancement.
func (s *Scene) Enhancement() Enhancement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enhancement
}

// SetVisualizationByStatus selects the representation of all objects with the given
// status, replacing choices made with ShowImage or ShowPoint.
func (s *Scene) SetVisualizationByStatus(status ObjectStatus, v Visualization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byStatus[status] = v
	for _, o := range s.objects {
		if o.status == status {
			s.show(o, v)
		}
	}
	s.refresh()
}

// ShowImage shows the image of one object.
func (s *Scene) ShowImage(id string) error {
	return s.showOne(id, VisImage)
}

// ShowPoint shows the marker of one object.
func (s *Scene) ShowPoint(id string) error {
	return s.showOne(id, VisPoint)
}

func (s *Scene) showOne(id string, v Visualization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	if !ok {
		return fmt.Errorf("unknown object %q", id)
	}
	s.show(o, v)
	s.collect([]*object{o})
	return nil
}

// Deliver stores the thumbnail fetched for tok and triggers a repaint. Results
// of any request other than the object's pending one are dropped.
// It is the delivery callback of the fetch pool.
func (s *Scene) Deliver(tok FetchToken, img *image.RGBA) {
	s.mu.Lock()
	o, ok := s.objects[tok.ObjectID]
	if !ok || !o.picture.pending || o.picture.token != tok {
		s.mu.Unlock()
		s.log.Debug("dropping superseded thumbnail", "object", tok.ObjectID, "generation", tok.Generation)
		return
	}
	o.picture.img = img
	o.picture.loaded = o.picture.requested
	o.picture.hasLoaded = true
	o.picture.pending = false
	s.mu.Unlock()

	if s.onRepaint != nil {
		s.onRepaint(tok.ObjectID)
	}
}

// show switches the representation of o and forgets a pending fetch that is
// no longer needed. s.mu must be held.
func (s *Scene) show(o *object, v Visualization) {
	o.show(v)
	if o.picture.visible || !o.picture.pending {
		return
	}
	o.picture.pending = false
	if s.requester != nil {
		s.requester.Forget(o.id)
	}
}

// refresh requests thumbnails for every object in the viewport. s.mu must be held.
func (s *Scene) refresh() {
	if s.hasViewport {
		s.collect(s.search(s.viewport))
	}
}

// collect requests the thumbnails the given objects need and records the
// returned tokens. s.mu must be held, so the recorded parameters always belong
// to the latest token the requester issued for an object.
func (s *Scene) collect(objs []*object) {
	for _, o := range objs {
		if !o.picture.visible || o.status == StatusMissing {
			continue
		}
		if !s.hasViewport || !o.footprint().Intersects(s.viewport) {
			continue
		}
		p := thumbParams{enhancement: s.enhancement, rotation: o.rotation, width: s.width}
		if o.crop != nil {
			p.crop, p.hasCrop = *o.crop, true
		}
		if o.picture.pending && o.picture.requested == p {
			continue
		}
		if !o.picture.pending && o.picture.hasLoaded && o.picture.loaded == p {
			continue
		}
		o.picture.requested = p
		o.picture.pending = true
		if s.requester == nil {
			continue
		}
		s.log.Debug("requesting thumbnail", "object", o.id, "enhancement", s.enhancement, "rotation", o.rotation)
		o.picture.token = s.requester.Request(FetchRequest{
			ObjectID:    o.id,
			SourcePath:  o.path,
			Crop:        o.crop,
			Rotation:    o.rotation,
			Enhancement: s.enhancement,
			Width:       s.width,
		})
	}
}
