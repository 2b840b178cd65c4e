// Package presenter maps stored devices to the public dashboard view.
package presenter

import "minerwatch/internal/models"

// Unknown is shown for owner fields the device record does not carry
const Unknown = "Unknown"

// Present builds the view of a device. Coordinates come from geo when it
// resolved, otherwise from the stored device record.
func Present(d *models.MonitoredDevice, geo models.GeoResult) models.MinerView {
	view := models.MinerView{
		ID:        d.ID,
		Latitude:  d.Latitude,
		Longitude: d.Longitude,
		IPAddress: d.IPAddress,
		Owner: models.Owner{
			Name: orUnknown(d.Hostname),
			Type: orUnknown(d.DeviceType),
		},
		LastSeen: d.UpdatedAt,
	}

	if d.ConfidenceScore != nil {
		view.ConfidenceScore = *d.ConfidenceScore
	}

	if geo.Resolved() {
		view.Latitude = geo.Latitude
		view.Longitude = geo.Longitude
	}

	return view
}

func orUnknown(s string) string {
	if s == "" {
		return Unknown
	}
	return s
}
