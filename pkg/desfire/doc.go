/*
Package desfire is a host-side protocol engine for NXP MIFARE DESFire EV1 and
EV2 cards.

It provides:
  - A unified status taxonomy over DESFire (91xx) and ISO 7816-4 status words
  - ISO 7816-4 short APDU encoding and response parsing
  - Native command wrapping and multi-frame (91AF) reassembly
  - Three-pass mutual authentication for DES, 2K3DES, 3K3DES and AES keys
    (legacy 0x0A, ISO 0x1A, AES 0xAA and EV2First 0x71)
  - Secure messaging in plain, MAC and encrypted communication modes
  - GetVersion decoding, AN10922 key diversification and a handful of read
    commands
  - Reader adapters for PC/SC and, with the libnfc build tag, libnfc devices

# Framing

Native commands travel in one of two APDU layouts:

	Wrapped: 90 00 00 00 Lc <cmd> <payload>
	ISO:     90 <cmd> 00 00 [Lc <payload>] 00

The card answers <data> SW1 SW2 with SW1=0x91 and SW2 the native status.
91AF means another frame is queued; the host fetches it with the
AdditionalFrame command (0xAF) and an empty payload.

Single frames carry at most 59 payload bytes by default. Longer payloads fail
with StatusBufferOverflow unless the command allows truncation.

# Operation: GetVersion (0x60)

	Command:  60
	Frame 1:  <vendor type subtype major minor storage protocol> 91AF  (hardware)
	Command:  AF
	Frame 2:  <vendor type subtype major minor storage protocol> 91AF  (software)
	Command:  AF
	Frame 3:  <UID(7) batch(5) week year> 9100

A frame 3 shorter than 14 bytes keeps UID, week and year and rebuilds the batch
number from the bytes in between.

# Operation: Authenticate (0x0A / 0x1A / 0xAA / 0x71)

	Command:  <auth> <keyNo> [00 for EV2]
	Response: E(RndB) 91AF
	Command:  AF E(RndA || rotl(RndB))
	Response: E(rotl(RndA)) 9100          (EV2: E(TI || rotl(RndA) || caps))

Legacy authentication deciphers outgoing blocks in send mode from a zero IV.
ISO and AES authentication chain one CBC IV through all three cryptograms.
EV2 starts every cryptogram at a zero IV.

Session keys:

	DES     A[0:4] B[0:4]
	2K3DES  A[0:4] B[0:4] A[4:8] B[4:8]
	3K3DES  A[0:4] B[0:4] A[6:10] B[6:10] A[12:16] B[12:16]
	AES     A[0:4] B[0:4] A[12:16] B[12:16]
	EV2     Kenc = CMAC(K, SV1), Kmac = CMAC(K, SV2)

# Session lifetime

SelectApplication, DetectCard, Deauthenticate, a new Authenticate, any
integrity failure and any card error status all zeroize the session.
*/
package desfire
