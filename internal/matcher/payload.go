package matcher

import (
	"fmt"
	"strconv"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

const (
	notificationTitle = "New Trip Request"
	maxStopsInPayload = 5

	unknownPickup  = "Unknown location"
	unknownDropoff = "Unknown destination"
	unknownStop    = "Unknown stop"
)

// Notification is the push message sent to the selected worker. Every
// data key is always present so clients can rely on a fixed schema.
type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

func buildNotification(tripID string, req *models.Request, pickup geo.Point, closest models.Candidate, expiresIn int) Notification {
	data := map[string]string{
		"tripId":            tripID,
		"pickupAddress":     orDefault(req.Pickup.Address, unknownPickup),
		"pickupLatitude":    formatFloat(pickup.Lat),
		"pickupLongitude":   formatFloat(pickup.Lng),
		"dropoffAddress":    orDefault(req.Dropoff.Address, unknownDropoff),
		"fare":              optionalFloat(req.Fare),
		"distance":          optionalFloat(req.Distance),
		"estimatedDuration": optionalFloat(req.Duration),
		"expiresIn":         strconv.Itoa(expiresIn),
		"notificationType":  "tripRequest",
	}
	if len(req.Stops) > 0 {
		addStops(data, req.Stops)
	}
	return Notification{
		Title: notificationTitle,
		Body:  fmt.Sprintf("New pickup request (%.1fkm away)", closest.Distance),
		Data:  data,
	}
}

// addStops writes the first maxStopsInPayload stops as stop1..stopN keys.
// The waiting time total covers every stop, including the ones left out.
func addStops(data map[string]string, stops []models.Stop) {
	var totalWait float64
	for i, st := range stops {
		if st.WaitingTime != nil {
			totalWait += *st.WaitingTime
		}
		if i >= maxStopsInPayload {
			continue
		}
		prefix := "stop" + strconv.Itoa(i+1)
		data[prefix+"Address"] = orDefault(st.Address, unknownStop)
		data[prefix+"Latitude"] = optionalFloat(st.Lat)
		data[prefix+"Longitude"] = optionalFloat(st.Lng)
		data[prefix+"WaitingTime"] = optionalFloat(st.WaitingTime)
	}
	additional := 0
	if len(stops) > maxStopsInPayload {
		additional = len(stops) - maxStopsInPayload
	}
	data["stopsCount"] = strconv.Itoa(len(stops))
	data["additionalStopsCount"] = strconv.Itoa(additional)
	data["totalStopsWaitingTime"] = formatFloat(totalWait)
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func optionalFloat(v *float64) string {
	if v == nil {
		return "0"
	}
	return formatFloat(*v)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
