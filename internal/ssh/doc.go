// ssh talks to provisioned instances over 'x/crypto/ssh':
//   - ED25519 key generation and OpenSSH encoding
//   - connecting with a stored private key
//   - one-shot commands, interactive shells and a persistent tmux session
//   - copying files to and from the instance as tar streams
//
// Errors wrap the package's sentinels; match them with 'errors.Is'.
package ssh
