// Package cloud provisions the instances a run lives on.
//
// The Provisioner interface is the seam the fleet controller works against;
// GCE is its Compute Engine implementation. Instance names carry the
// starship-<run>- prefix, which is the only state teardown needs: sweeping a
// zone for that prefix catches every machine the run created, including ones
// lost to launch errors.
package cloud
