package version

// Current is the released version of the polygon pipeline, without a "v" prefix.
const Current = "0.3.1"

// UserAgent is sent on every request to the geoprocessing service.
func UserAgent() string {
	return "polygon-pipeline/" + Current
}
