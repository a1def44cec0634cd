// Package auth authenticates callers of the coordination API.
//
// # Authentication Methods
//
//   - JWT Tokens: operators and producers send "Authorization: Bearer <jwt>".
//     Tokens are HS256-signed with the configured jwt_secret and carry the
//     caller in "sub" and its role in "role".
//
//   - SSH Signatures: agents sign "timestamp|nonce" with their SSH key and
//     send the x-ssh-* headers. The key must appear in the configured
//     authorized keys file; the key comment names the agent.
//
// When neither method is configured the middleware lets every request
// through, which is the default for a single-host deployment.
package auth
