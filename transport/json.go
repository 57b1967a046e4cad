package transport

import (
	"github.com/tidwall/gjson"
)

// Lookup returns the first of paths present in body. Each path is also tried
// inside a top-level "data" envelope, since the backend wraps some payloads.
func Lookup(body []byte, paths ...string) gjson.Result {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}
	}
	for _, p := range paths {
		if r := gjson.GetBytes(body, p); r.Exists() {
			return r
		}
		if r := gjson.GetBytes(body, "data."+p); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}
