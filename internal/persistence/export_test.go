package persistence

// TradeOutputs lets the integration tests reuse the engine fixture
var TradeOutputs = tradeOutputs
