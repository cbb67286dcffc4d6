package api

// setupRoutes wires the read-only route set
func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleRoot)
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/orders", s.handleOrders)
		v1.GET("/positions", s.handlePositions)
	}
}
