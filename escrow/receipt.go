package escrow

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// Domain separator fields binding a receipt to this protocol deployment.
// Signing the same receipt body for a different network or engine address
// produces a different digest, so receipts cannot be replayed across
// deployments.
const (
	protocolName    = "AgentMarket"
	protocolVersion = "1"
)

// DeliveryReceipt is the structured record an agent signs to authenticate a
// delivery. Authenticity comes entirely from the signature, so any relayer
// may submit it on the agent's behalf.
type DeliveryReceipt struct {
	EscrowID     int64
	JobID        int64
	Agent        string
	DeliveryRef  string
	DeliveryHash [32]byte
	Timestamp    int64
	Nonce        uint64
	Deadline     int64
}

// ReceiptDigest computes the domain-separated signing digest for a receipt.
func ReceiptDigest(networkID uint64, engineAddress string, r DeliveryReceipt) [32]byte {
	domain := sha3.New256()
	hashString(domain, protocolName)
	hashString(domain, protocolVersion)
	hashUint64(domain, networkID)
	hashString(domain, engineAddress)

	body := sha3.New256()
	hashUint64(body, uint64(r.EscrowID))
	hashUint64(body, uint64(r.JobID))
	hashString(body, r.Agent)
	hashString(body, r.DeliveryRef)
	body.Write(r.DeliveryHash[:])
	hashUint64(body, uint64(r.Timestamp))
	hashUint64(body, r.Nonce)
	hashUint64(body, uint64(r.Deadline))

	outer := sha3.New256()
	outer.Write([]byte{0x19, 0x01})
	outer.Write(domain.Sum(nil))
	outer.Write(body.Sum(nil))

	var digest [32]byte
	copy(digest[:], outer.Sum(nil))
	return digest
}

// hashString writes a length-prefixed string so adjacent fields can never
// alias each other in the preimage.
func hashString(w interface{ Write([]byte) (int, error) }, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	w.Write(n[:])
	w.Write([]byte(s))
}

func hashUint64(w interface{ Write([]byte) (int, error) }, v uint64) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], v)
	w.Write(n[:])
}
