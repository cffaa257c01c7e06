package btp

import (
	"time"

	"ilpnode/internal/ilp"
	"ilpnode/internal/oer"
)

// Route is one advertised (destination, distance) pair.
type Route struct {
	Prefix   ilp.Address
	Distance uint32
}

// RouteUpdate is a speaker's complete route vector. Each update replaces the
// previous one from the same speaker. HoldDown, when set, asks receivers to
// keep the vector for that long without a refresh.
type RouteUpdate struct {
	Speaker  ilp.Address
	Epoch    uint32
	Routes   []Route
	HoldDown *time.Duration
}

const MaxRoutes = 4096

var routeUpdateSchema = oer.Sequence{Fields: []oer.Field{
	{Name: "speaker", Schema: oer.IA5String{Min: 1, Max: ilp.MaxAddressSize}},
	{Name: "epoch", Schema: oer.UInt32},
	{Name: "routes", Schema: oer.SequenceOf{Max: MaxRoutes, Elem: oer.Sequence{Fields: []oer.Field{
		{Name: "prefix", Schema: oer.IA5String{Min: 1, Max: ilp.MaxAddressSize}},
		{Name: "distance", Schema: oer.UInt32},
	}}}},
	{Name: "holdDownTime", Schema: oer.UInt32, Optional: true},
}}

func (u *RouteUpdate) Encode() ([]byte, error) {
	routes := make([]any, 0, len(u.Routes))
	for _, r := range u.Routes {
		routes = append(routes, oer.Record{
			"prefix":   string(r.Prefix),
			"distance": uint64(r.Distance),
		})
	}
	rec := oer.Record{
		"speaker": string(u.Speaker),
		"epoch":   uint64(u.Epoch),
		"routes":  routes,
	}
	if u.HoldDown != nil {
		rec["holdDownTime"] = uint64(u.HoldDown.Milliseconds())
	}
	return oer.Serialize(routeUpdateSchema, rec)
}

// DecodeRouteUpdate parses a route vector. Prefixes that are not valid ILP
// addresses make the whole update invalid.
func DecodeRouteUpdate(b []byte) (*RouteUpdate, error) {
	v, err := oer.Parse(routeUpdateSchema, b)
	if err != nil {
		return nil, ilp.AsFailure(err)
	}
	rec := v.(oer.Record)
	u := &RouteUpdate{
		Speaker: ilp.Address(rec.String("speaker")),
		Epoch:   uint32(rec.Uint64("epoch")),
	}
	if !u.Speaker.Valid() {
		return nil, ilp.Failf(ilp.KindInvalidPacket, "invalid speaker %q", u.Speaker)
	}
	for _, item := range rec.List("routes") {
		r := item.(oer.Record)
		prefix := ilp.Address(r.String("prefix"))
		if !prefix.Valid() {
			return nil, ilp.Failf(ilp.KindInvalidPacket, "invalid route prefix %q", prefix)
		}
		u.Routes = append(u.Routes, Route{Prefix: prefix, Distance: uint32(r.Uint64("distance"))})
	}
	if rec.Has("holdDownTime") {
		d := time.Duration(rec.Uint64("holdDownTime")) * time.Millisecond
		u.HoldDown = &d
	}
	return u, nil
}
