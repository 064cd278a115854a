package probe

import _ "embed"

// extractScript is the Prebid/ad-tech detection script, shipped as an
// embedded asset and sent to the browser via Capability.Evaluate (§9: "a
// stringified script sent to the browser"). It evaluates to an object
// literal, not a JSON string: Evaluate's returnByValue serializes that
// object directly into the JSON decoded by rawExtraction in probe.go.
//
//go:embed extract.js
var extractScript string
