// Package session implements the client-side session lifecycle for
// role-scoped portals (admin, buyer, seller, repair center): durable token
// storage, transparent refresh with single-flight coordination, an explicit
// session state machine, and route guarding.
//
// Each portal constructs one Manager parameterized by a RoleScope. Managers
// never share storage keys or refresh flights, so an admin refresh can never
// clobber a buyer session running in the same process.
//
// Typical wiring:
//
//	mgr, err := session.New(session.ScopeBuyer,
//		session.WithBaseURL("https://api.example.com"),
//		session.WithStore(store),
//	)
//	if err != nil { ... }
//
//	if err := mgr.Start(ctx); err != nil { ... }
//
//	challenge, err := mgr.Login(ctx, session.Credentials{
//		Identifier: "pepe.rone@example.com",
//		Secret:     "secret",
//	})
//
// Admin logins may require a second factor; Login then returns a pending
// MfaChallenge instead of completing:
//
//	if challenge != nil {
//		err = challenge.Verify(ctx, code)
//	}
//
// All resource calls go through mgr.Client(), which attaches the bearer
// token and retries exactly once after a transparent refresh when the
// backend reports the access token expired.
package session
