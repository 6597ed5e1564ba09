package ethlink

// rmiiPinsAliased reports whether any two of the MDIO pair, the three
// transmit pins starting at txBase and the three receive pins starting at
// rxBase share a GPIO.
func rmiiPinsAliased(mdc, mdio, txBase, rxBase uint8) bool {
	if mdc == mdio {
		return true
	}
	mdiomsk := uint64(1)<<mdc | uint64(1)<<mdio
	txmsk := uint64(0b111) << txBase
	rxmsk := uint64(0b111) << rxBase
	return rxmsk&txmsk|rxmsk&mdiomsk|txmsk&mdiomsk != 0
}
