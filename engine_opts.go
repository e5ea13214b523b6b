package gavel

import "log/slog"

type EngineOption func(*Engine)

// WithTxManager wires a transactional boundary around multi-row engine
// operations. Use PgxTxManager with the Postgres store; the default is a
// pass-through suitable for MemoryStore.
func WithTxManager(txManager TxManager) EngineOption {
	return func(engine *Engine) {
		engine.txManager = txManager
	}
}

func WithAuthorityResolver(authority *AuthorityResolver) EngineOption {
	return func(engine *Engine) {
		engine.authority = authority
	}
}

func WithRegistry(registry *Registry) EngineOption {
	return func(engine *Engine) {
		engine.registry = registry
	}
}

func WithEscalationRule(rule EscalationRule) EngineOption {
	return func(engine *Engine) {
		engine.escalation = rule
	}
}

func WithApproverResolver(resolver ApproverResolver) EngineOption {
	return func(engine *Engine) {
		engine.approvers = resolver
	}
}

func WithDispatcher(dispatcher *Dispatcher) EngineOption {
	return func(engine *Engine) {
		engine.dispatcher = dispatcher
	}
}

func WithLogger(logger *slog.Logger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

func WithPlugin(plugin Plugin) EngineOption {
	return func(engine *Engine) {
		engine.plugins.Register(plugin)
	}
}
