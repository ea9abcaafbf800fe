// Command hcombctl seeds and inspects the hcomb registry and to-run queue and previews sequence
// packings.
package main

import (
	log "github.com/sirupsen/logrus"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(err).Fatal("fatal error running hcombctl")
	}
}
