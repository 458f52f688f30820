// Package fedship embeds a federated-learning round coordinator.
//
// A Server accepts client weight uploads, records them per round, averages
// them into a new global model when an operator triggers aggregation, and
// serves the latest global model to participants.
//
// # Usage
//
//	cfg := fedship.DefaultConfig()
//	cfg.DataDir = "/var/lib/fedship"
//
//	srv, err := fedship.New(cfg,
//	    fedship.WithLogger(logger),
//	    fedship.WithSeed(func(ctx context.Context) (*params.State, error) {
//	        return buildInitialModel(), nil
//	    }),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
// # Rounds
//
// The current round is never stored on its own. On Start it is derived from
// the highest committed checkpoint, so a restart resumes at latest+1.
//
// # Plugins
//
// Plugins are initialized in registration order after storage is open and
// shut down in reverse order. See plugins/configwatcher.
//
// # Version
//
// Current version: 1.0.0
// Minimum compatible version: 1.0.0
package fedship
