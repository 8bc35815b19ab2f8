package dentalchart

import (
	"reflect"
	"sort"

	"github.com/google/uuid"
)

// Result is the outcome of a reconciliation.
type Result struct {
	Aggregate Aggregate
	// Retained lists the overlays that still govern a tooth. Overlays not in
	// this list were superseded by the snapshot and can be discarded.
	Retained []Overlay
	// Changed is false when the new aggregate equals the previous one.
	Changed bool
}

// Reconcile merges a fresh snapshot and the pending overlays into a new
// aggregate. For every tooth present in the snapshot or the overlays:
//
//  1. a local-edit overlay created after the snapshot was taken wins;
//  2. otherwise a voice-pending overlay wins if the snapshot has no row;
//  3. otherwise the snapshot row wins.
//
// The result holds exactly one record per tooth. prev is only compared
// against; it is never modified.
func Reconcile(prev Aggregate, snap Snapshot, overlays []Overlay) Result {
	rows := latestRows(snap.Rows)
	local, voice := latestOverlays(overlays)

	next := make(Aggregate, len(rows)+len(local)+len(voice))
	var retained []Overlay

	teeth := make(map[Tooth]struct{}, len(rows)+len(local)+len(voice))
	for t := range rows {
		teeth[t] = struct{}{}
	}
	for t := range local {
		teeth[t] = struct{}{}
	}
	for t := range voice {
		teeth[t] = struct{}{}
	}

	for t := range teeth {
		row, hasRow := rows[t]
		if ov, ok := local[t]; ok && ov.CreatedAt.After(snap.TakenAt) {
			next[t] = fromOverlay(ov, OriginLocalEdit)
			retained = append(retained, ov)
			continue
		}
		if ov, ok := voice[t]; ok && !hasRow {
			next[t] = fromOverlay(ov, OriginVoicePending)
			retained = append(retained, ov)
			continue
		}
		if hasRow {
			next[t] = row.Clone()
		}
	}

	sortOverlays(retained)
	return Result{
		Aggregate: next,
		Retained:  retained,
		Changed:   !equalAggregates(prev, next),
	}
}

// latestRows collapses duplicate rows per tooth, keeping the most recently
// updated one. Invalid tooth identifiers are dropped.
func latestRows(rows []ToothRecord) map[Tooth]ToothRecord {
	out := make(map[Tooth]ToothRecord, len(rows))
	for _, r := range rows {
		if !r.Tooth.Valid() {
			continue
		}
		if cur, ok := out[r.Tooth]; ok && !r.UpdatedAt.After(cur.UpdatedAt) {
			continue
		}
		if r.Color == "" {
			r.Color = r.Status.Color()
		}
		out[r.Tooth] = r
	}
	return out
}

// latestOverlays keeps the newest overlay of each kind per tooth.
func latestOverlays(overlays []Overlay) (local, voice map[Tooth]Overlay) {
	local = make(map[Tooth]Overlay)
	voice = make(map[Tooth]Overlay)
	for _, ov := range overlays {
		t := ov.Record.Tooth
		if !t.Valid() {
			continue
		}
		var m map[Tooth]Overlay
		switch ov.Kind {
		case OriginLocalEdit:
			m = local
		case OriginVoicePending:
			m = voice
		default:
			continue
		}
		if cur, ok := m[t]; ok && !ov.CreatedAt.After(cur.CreatedAt) {
			continue
		}
		m[t] = ov
	}
	return local, voice
}

func fromOverlay(ov Overlay, origin Origin) ToothRecord {
	r := ov.Record.Clone()
	r.Origin = origin
	r.Color = r.Status.Color()
	if origin == OriginVoicePending {
		r.ID = uuid.Nil
	}
	return r
}

func sortOverlays(ovs []Overlay) {
	sort.Slice(ovs, func(i, j int) bool { return ovs[i].Record.Tooth < ovs[j].Record.Tooth })
}

func equalAggregates(a, b Aggregate) bool {
	if len(a) != len(b) {
		return false
	}
	for t, ra := range a {
		rb, ok := b[t]
		if !ok || !reflect.DeepEqual(normalizeForCompare(ra), normalizeForCompare(rb)) {
			return false
		}
	}
	return true
}

// normalizeForCompare treats nil and empty slices as equal and drops the
// monotonic clock reading so equality is by value.
func normalizeForCompare(r ToothRecord) ToothRecord {
	if len(r.Diagnoses) == 0 {
		r.Diagnoses = nil
	}
	if len(r.Treatments) == 0 {
		r.Treatments = nil
	}
	r.UpdatedAt = r.UpdatedAt.Round(0)
	if r.ExaminationDate != nil {
		d := r.ExaminationDate.Round(0)
		r.ExaminationDate = &d
	}
	return r
}
