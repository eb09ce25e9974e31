package pipeline

import "plate-watcher/internal/domain/plate"

// admit applies the configured camera/zone/object filters before any
// tracking state is touched. It returns the drop reason when the event
// is filtered out.
func (p *Pipeline) admit(ev plate.LifecycleEvent) (string, bool) {
	if len(p.cfg.Cameras) > 0 && !contains(p.cfg.Cameras, ev.Camera) {
		return "wrong_camera", false
	}
	if len(p.cfg.Zones) > 0 && !intersects(p.cfg.Zones, ev.Zones) {
		return "wrong_zone", false
	}
	if len(p.cfg.Objects) > 0 && !contains(p.cfg.Objects, ev.Label) {
		return "wrong_label", false
	}
	if p.cfg.FrigatePlus && !p.hasValidPlateAttribute(ev) {
		return "invalid_license_plate", false
	}
	if !ev.HasSnapshot {
		return "no_snapshot", false
	}
	return "", true
}

// hasValidPlateAttribute checks that the event carries a license_plate
// attribute above the configured minimum attribute score.
func (p *Pipeline) hasValidPlateAttribute(ev plate.LifecycleEvent) bool {
	for _, attr := range ev.Attributes {
		if attr.Label != "license_plate" {
			continue
		}
		return attr.Score >= p.cfg.LicensePlateMinScore
	}
	return false
}

func contains(values []string, v string) bool {
	for _, item := range values {
		if item == v {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, v := range a {
		if contains(b, v) {
			return true
		}
	}
	return false
}
