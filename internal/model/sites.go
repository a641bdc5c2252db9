package model

import (
	"fmt"
	"strings"
)

// Activation site names follow "blocks.<layer>.<point>". The two points the
// evaluator hooks are the MLP input (post-LN2) and the MLP output.
const (
	pointMLPIn  = "mlp_in"
	pointMLPOut = "mlp_out"
)

// MLPInSite returns the site name for the normalized MLP input of a layer.
func MLPInSite(layer int) string {
	return fmt.Sprintf("blocks.%d.%s", layer, pointMLPIn)
}

// MLPOutSite returns the site name for the MLP output of a layer.
func MLPOutSite(layer int) string {
	return fmt.Sprintf("blocks.%d.%s", layer, pointMLPOut)
}

// ParseSite splits a site name into its layer and point.
func ParseSite(site string) (layer int, point string, err error) {
	var l int
	var p string
	n, err := fmt.Sscanf(site, "blocks.%d.%s", &l, &p)
	if err != nil || n != 2 {
		return 0, "", fmt.Errorf("malformed site name %q", site)
	}
	if p != pointMLPIn && p != pointMLPOut {
		return 0, "", fmt.Errorf("unknown site point %q in %q", p, site)
	}
	return l, p, nil
}

// SiteLayer returns the layer index of a site name.
func SiteLayer(site string) (int, error) {
	layer, _, err := ParseSite(site)
	return layer, err
}

// IsMLPOutSite reports whether the site names an MLP output.
func IsMLPOutSite(site string) bool {
	return strings.HasSuffix(site, "."+pointMLPOut)
}
