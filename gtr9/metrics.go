package gtr9

func (s *Server) addReceivedBytes(count uint64) {
	if s.metrics != nil {
		s.metrics.AddReceivedBytes(count)
	}
}

func (s *Server) addReceivedPackages(count uint64) {
	if s.metrics != nil {
		s.metrics.AddReceivedPackages(count)
	}
}

func (s *Server) addSentPackages(count uint64) {
	if s.metrics != nil {
		s.metrics.AddSentPackages(count)
	}
}

func (s *Server) addRejectedPackages(count uint64) {
	if s.metrics != nil {
		s.metrics.AddRejectedPackages(count)
	}
}

func (s *Server) addMalformedPackages(count uint64) {
	if s.metrics != nil {
		s.metrics.AddMalformedPackages(count)
	}
}

func (s *Server) addDecodedPositions(count uint64) {
	if s.metrics != nil {
		s.metrics.AddDecodedPositions(count)
	}
}
