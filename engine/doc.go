// Package engine wires all Cascade subsystems together and provides the
// primary application-level API for registering definitions and starting
// workflow instances.
//
// The engine package exists to break a fundamental import cycle: the root
// cascade package defines Entity (imported by instance, timer, cron, etc.)
// and therefore cannot import those packages back. Engine sits above all
// subsystem packages and below the application layer.
//
// # Building an Engine
//
//	s, err := cascade.New(
//	    cascade.WithStore(pgStore),
//	    cascade.WithConcurrency(20),
//	)
//
//	eng, err := engine.Build(s,
//	    engine.WithExtension(myExtension),
//	    engine.WithMiddleware(middleware.Logging(logger)),
//	    engine.WithQueueConfig(queue.Config{
//	        Type:      "order-pipeline",
//	        RateLimit: 100,
//	    }),
//	)
//
// # Registering Work
//
//	// Workflow definitions (the step graph)
//	def, _ := definition.NewBuilder("order-pipeline").
//	    Step("reserve", definition.OnSuccess("charge", 0)).
//	    Step("charge").
//	    Build()
//	eng.RegisterWorkflow(def)
//
//	// Step handlers (the code each step runs)
//	engine.RegisterHandler(eng, executor.NewDefinition("reserve", reserveFunc))
//
//	// Cron-started workflows
//	engine.RegisterCron(ctx, eng, &cron.Definition[OrderInput]{
//	    Name:         "nightly-reconciliation",
//	    Schedule:     "0 3 * * *",
//	    WorkflowType: "order-pipeline",
//	})
//
// # Starting Instances
//
//	inst, err := engine.StartInstance(ctx, eng, "order-pipeline", OrderInput{SKU: "A-100"})
//
//	// Later
//	st, _ := eng.Status(ctx, inst.ID)
//	_ = eng.CancelInstance(ctx, inst.ID)
//
// # Options
//
//   - [WithExtension] — register a lifecycle extension
//   - [WithMiddleware] — add a middleware to the execution chain
//   - [WithBackoff] — grow retry delays instead of using the policy's constant
//   - [WithQueueConfig] — configure per-workflow-type rate limits and concurrency
//   - [WithTracerProvider] — set the OpenTelemetry tracer provider
//   - [WithMeterProvider] — set the OpenTelemetry meter provider
package engine
