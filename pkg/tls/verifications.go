// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"github.com/absmach/mqttcore/pkg/tls/verifier"
	"github.com/absmach/mqttcore/pkg/tls/verifier/ocsp"
)

// BuildVerifiers returns the revocation checks enabled in cfg.
func BuildVerifiers(cfg Config) []verifier.Verifier {
	var vms []verifier.Verifier
	if cfg.OCSP.Enabled() {
		vms = append(vms, ocsp.New(cfg.OCSP))
	}
	return vms
}
