// Package crypto implements the low-level cryptographic primitives used by
// the relay core's default Signal-primitive implementation.
//
// It provides NaCl-based authenticated encryption, Ed25519 signatures, and
// memory-safe key handling. The Signal protocol itself (X3DH, the Double
// Ratchet, sender-key ratchets) is an external collaborator per the relay
// spec; this package only supplies the building blocks the signal package's
// default noiseprimitive implementation composes into something that
// satisfies that collaborator's interface for tests and standalone use.
//
// # Core Types
//
//   - [KeyPair]: NaCl crypto_box key pair (Curve25519) for device identity keys
//   - [Nonce]: 24-byte random nonce for encryption operations
//   - [Signature]: 64-byte Ed25519 signature
//
// # Encryption and Decryption
//
//	nonce, _ := crypto.GenerateNonce()
//	ciphertext, _ := crypto.Encrypt(plaintext, nonce, peerPublicKey, myPrivateKey)
//	plaintext, _ := crypto.Decrypt(ciphertext, nonce, peerPublicKey, myPrivateKey)
//
//	sharedKey, _ := crypto.DeriveSharedSecret(peerPublicKey, myPrivateKey)
//	ciphertext, _ := crypto.EncryptSymmetric(plaintext, nonce, sharedKey)
//
// # Digital Signatures
//
//	signature, _ := crypto.Sign(message, privateKey)
//	valid, _ := crypto.Verify(message, signature, publicKey)
//
// # Secure Memory Handling
//
// Sensitive data should be wiped after use:
//
//	defer crypto.SecureWipe(sensitiveData)
//	defer crypto.WipeKeyPair(keyPair)
//
// [SecureWipe] overwrites memory in a way the compiler cannot optimize away.
//
// # Deterministic Testing
//
// Time-dependent code elsewhere in the module accepts a [TimeProvider] so
// tests can substitute a fixed clock instead of wall time.
package crypto
