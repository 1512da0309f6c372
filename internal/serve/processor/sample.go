package processor

import (
	"hash/fnv"
	"strconv"
	"time"
)

// sampleRoll maps (device udid, survey id, hour bucket) to a stable value in
// [0, 100). The roll does not change within the hour, so a visitor reloading
// the page does not see the widget flicker in and out; it re-rolls hourly so
// sampled-out visitors are not excluded forever.
func sampleRoll(udid string, surveyID int64, now time.Time) int {
	h := fnv.New64a()
	h.Write([]byte(udid))
	h.Write([]byte(strconv.FormatInt(surveyID, 10)))
	h.Write([]byte(strconv.FormatInt(now.UTC().Truncate(time.Hour).Unix(), 10)))
	return int(h.Sum64() % 100)
}
