package broker

import "math/rand"

// randomIdentity draws a non-negative 31-bit peer identity.
func randomIdentity() uint32 {
	return uint32(rand.Int31())
}
