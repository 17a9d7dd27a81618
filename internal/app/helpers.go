package app

import "strings"

// NormalizeLocalAddr pins the agent listen address to loopback and returns
// the listen addr plus the browser URL. The control surface must never bind a
// routable interface; a bare port or 0.0.0.0 in the config is rewritten.
func NormalizeLocalAddr(cfgAddr string) (listenAddr, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	return a, "http://" + a
}
