// ec2 wraps the EC2 API calls rxtb makes, decoding every response into typed
// values at this boundary.
//
// # Provisioning resources
//
// The provisioning orchestrator (see internal/provision) uses this package to:
//  1. Security Group - resolve-or-create 'rxtb-<instance>', then add any
//     missing ingress rules for the caller's public IP (never removes rules)
//  2. Key Pair - reuse the tracked key if EC2 still knows it, otherwise
//     generate an ED25519 key locally and import its public half
//  3. Spot Request - persistent, stop-on-interruption request for one
//     instance, tagged under a discriminated name
//  4. Instance - attribution tags re-applied once the request is fulfilled,
//     then status checks awaited
//
// # Lifecycle operations
//
// Listing, stopping and terminating work on instances tagged 'origin=rixtribute'.
// Stopping or terminating an instance also cancels its originating spot request
// when that request is still open.
//
// Nothing created here is rolled back on failure: security groups and key
// pairs are reused by the next run.
package ec2
